package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vitalink/realtime/internal/app"
	"github.com/vitalink/realtime/internal/config"
)

const cfgFileName = "vitalink.json"

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	dataDir     = flag.String("dir", ".", "data directory (config, outbox, recordings)")
	roomID      = flag.String("room", "", "room id this daemon serves")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("vitalinkd v%s\n", appVersion)
		return
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "init":
			runInit(args[1:])
			return
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
			usage()
			os.Exit(1)
		}
	}

	runDaemon()
}

func runDaemon() {
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "Error: -room is required")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(*dataDir)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, cfgFileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v (run \"vitalinkd init\" first)", cfgPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		RoomID:  *roomID,
	}); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "data directory to initialize")
	user := fs.String("user", "", "local user id")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "", "role: doctor or patient")
	fs.Parse(args)

	if *user == "" || *name == "" || *role == "" {
		fmt.Fprintln(os.Stderr, "Error: init requires -user, -name and -role")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgFileName)
	_, created, err := config.Ensure(cfgPath, *user, *name, *role)
	if err != nil {
		log.Fatalf("Init failed: %v", err)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", cfgPath)
		return
	}
	fmt.Printf("Wrote %s — edit it to point at your realtime and store backends.\n", cfgPath)
}

func usage() {
	fmt.Fprintf(os.Stderr, `vitalinkd v%s — realtime daemon for Vitalink rooms

Usage:
  vitalinkd -dir <dir> -room <id>     run the daemon for one room
  vitalinkd init -dir <dir> -user <id> -name <name> -role <doctor|patient>
                                      write a default config file
  vitalinkd -version                  print version

Flags:
`, appVersion)
	flag.PrintDefaults()
}
