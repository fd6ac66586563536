// Package app is the composition root. It builds every component for
// one room from config, wires the pumps between them and tears the
// whole stack down in reverse order on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/api"
	"github.com/vitalink/realtime/internal/call"
	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/chat"
	"github.com/vitalink/realtime/internal/config"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/presence"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/signaling"
	"github.com/vitalink/realtime/internal/store"
	"github.com/vitalink/realtime/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	// DataDir anchors every relative path in the config (queue db,
	// key file, recordings).
	DataDir string

	// CfgPath enables profile hot-reload when set.
	CfgPath string
	Cfg     config.Config

	// RoomID is the room this daemon instance serves.
	RoomID string
}

// Run brings up the full stack and blocks until ctx is cancelled or
// the local API server fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if strings.TrimSpace(opt.RoomID) == "" {
		return errors.New("app: room id is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("app: config: %w", err)
	}

	setLogLevel(cfg.LogLevel)

	topic := "room:" + opt.RoomID

	// ── Channel transport
	var dial channel.Factory
	if strings.HasPrefix(cfg.Realtime.URL, "memory:") {
		dial = channel.NewBroker().Factory(cfg.Identity.UserID)
	} else {
		dial = channel.WebsocketFactory(cfg.Realtime.URL, cfg.Realtime.APIKey, cfg.Identity.UserID)
	}

	// ── Connection state machine
	connMgr := conn.New(conn.Options{
		Topic:             topic,
		Dial:              dial,
		HeartbeatInterval: time.Duration(cfg.Realtime.HeartbeatSec) * time.Second,
		BackoffBase:       time.Duration(cfg.Realtime.Backoff.BaseMs) * time.Millisecond,
		BackoffCap:        time.Duration(cfg.Realtime.Backoff.CapMs) * time.Millisecond,
		JitterMax:         time.Duration(cfg.Realtime.Backoff.JitterMs) * time.Millisecond,
		MaxAttempts:       cfg.Realtime.Backoff.MaxAttempts,
		AutoReconnect:     cfg.Realtime.AutoReconnect,
	})
	defer connMgr.Close()

	// ── Offline outbox
	var qstore queue.Store
	if strings.TrimSpace(cfg.Queue.Path) != "" {
		var key *[32]byte
		if cfg.Queue.Encrypt {
			k, err := queue.LoadOrCreateKey(util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile))
			if err != nil {
				return fmt.Errorf("app: outbox key: %w", err)
			}
			key = k
		}
		st, err := queue.OpenSQLite(util.ResolvePath(opt.DataDir, cfg.Queue.Path), key)
		if err != nil {
			return fmt.Errorf("app: open outbox: %w", err)
		}
		qstore = st
		log.Infof("outbox: %s (encrypted=%v)", st.Path(), cfg.Queue.Encrypt)
	} else {
		qstore = queue.NewMemoryStore()
		log.Warnf("outbox: in-memory only, queued messages do not survive a restart")
	}
	outbox := queue.New(qstore, cfg.Queue.MaxRetries)
	defer outbox.Close()

	// ── Message store
	msgStore := store.NewClient(cfg.Store.URL, cfg.Store.APIKey)
	if !msgStore.Enabled() {
		log.Warnf("store: no backend configured, message history stays local")
	}

	// ── Messenger
	messenger, err := chat.NewMessenger(chat.Options{
		LocalUserID: cfg.Identity.UserID,
		Conn:        connMgr,
		Store:       msgStore,
		Queue:       outbox,
	})
	if err != nil {
		return fmt.Errorf("app: messenger: %w", err)
	}
	defer messenger.Close()

	// ── Presence
	pres := presence.NewCoordinator(presence.Options{
		UserID:        cfg.Identity.UserID,
		UserName:      cfg.Identity.UserName,
		UserRole:      cfg.Identity.Role,
		Track:         connMgr.Track,
		Heartbeat:     time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		Throttle:      time.Duration(cfg.Presence.ThrottleMs) * time.Millisecond,
		TypingTimeout: time.Duration(cfg.Presence.TypingTimeoutMs) * time.Millisecond,
		Sweep:         time.Duration(cfg.Presence.SweepMs) * time.Millisecond,
	})
	defer pres.Close()

	stopPump := pumpPresence(ctx, connMgr, pres)
	defer stopPump()

	// ── Signaling
	var endpoint *signaling.Endpoint
	if cfg.Signaling.ConfigURL != "" || cfg.Signaling.RelayURL != "" {
		endpoint = signaling.NewEndpoint(cfg.Signaling.ConfigURL, cfg.Signaling.RelayURL, cfg.Realtime.APIKey)
	}
	relay, err := signaling.NewRelay(signaling.Options{
		LocalUserID: cfg.Identity.UserID,
		Conn:        connMgr,
		Endpoint:    endpoint,
		DispatchVia: cfg.Signaling.DispatchVia,
		Guards:      signalGuards(cfg),
		MaxRetries:  cfg.Queue.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("app: signaling: %w", err)
	}
	defer relay.Close()

	// ── Calls
	recordDir := ""
	if cfg.Call.Record {
		recordDir = util.ResolvePath(opt.DataDir, cfg.Call.RecordDir)
	}
	calls, err := call.NewManager(call.Options{
		LocalUserID: cfg.Identity.UserID,
		Signaler:    relay,
		ICEServers:  iceServers(endpoint, cfg.Call.StunFallback),
		RecordDir:   recordDir,
	})
	if err != nil {
		return fmt.Errorf("app: calls: %w", err)
	}
	defer calls.Close()

	// ── Local API
	apiSrv, err := api.NewServer(api.Options{
		LocalUserID: cfg.Identity.UserID,
		Conn:        connMgr,
		Presence:    pres,
		Messenger:   messenger,
		Queue:       outbox,
		Calls:       calls,
		Relay:       relay,
	})
	if err != nil {
		return fmt.Errorf("app: api: %w", err)
	}

	httpSrv := &http.Server{Addr: cfg.API.HTTPAddr, Handler: apiSrv.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()
	log.Infof("api: listening on http://%s", cfg.API.HTTPAddr)

	// ── Profile hot-reload
	if opt.CfgPath != "" {
		cancelWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
			name := strings.TrimSpace(next.Identity.UserName)
			if name == "" || name == cfg.Identity.UserName {
				return
			}
			cfg.Identity.UserName = name
			tctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
			defer cancel()
			if err := pres.SetSelfName(tctx, name); err != nil {
				log.Debugf("profile reload: announce %q: %v", name, err)
				return
			}
			log.Infof("profile reload: now announcing as %q", name)
		})
		if err != nil {
			log.Warnf("profile watch disabled: %v", err)
		} else {
			defer cancelWatch()
		}
	}

	connMgr.Connect()
	log.Infof("room %s: up as %s (%s)", opt.RoomID, cfg.Identity.UserID, cfg.Identity.Role)

	select {
	case <-ctx.Done():
		log.Infof("room %s: shutting down", opt.RoomID)
		return nil
	case err := <-httpErr:
		return fmt.Errorf("app: api server: %w", err)
	}
}

// pumpPresence feeds channel presence frames into the coordinator and
// re-announces the local state each time the link comes back up.
func pumpPresence(ctx context.Context, m *conn.Manager, c *presence.Coordinator) func() {
	events, cancelEvents := m.SubscribeEvents()
	states, cancelStates := m.Subscribe()

	go func() {
		wasOnline := false
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Apply(ev)
			case st, ok := <-states:
				if !ok {
					return
				}
				if st.Online && !wasOnline {
					tctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
					if err := c.Announce(tctx); err != nil {
						log.Debugf("presence announce: %v", err)
					}
					cancel()
				}
				wasOnline = st.Online
			}
		}
	}()

	return func() {
		cancelEvents()
		cancelStates()
	}
}

// signalGuards is the outgoing chain for this deployment: session
// scoping, the configured rate budget and the transport check against
// whichever route signals actually take.
func signalGuards(cfg config.Config) []signaling.Guard {
	perMin := cfg.Signaling.RatePerMin
	route := cfg.Realtime.URL
	if cfg.Signaling.DispatchVia == signaling.ViaHTTP {
		route = cfg.Signaling.RelayURL
	}
	return []signaling.Guard{
		signaling.SessionGuard(),
		signaling.RateGuard(perMin, 5*perMin),
		signaling.SecureTransportGuard(route),
	}
}

// iceServers resolves the ICE configuration per call. The fetch never
// blocks call setup beyond the endpoint's own short timeout; any
// failure substitutes the fallback STUN list.
func iceServers(endpoint *signaling.Endpoint, fallback []string) func(ctx context.Context) []webrtc.ICEServer {
	return func(ctx context.Context) []webrtc.ICEServer {
		var list []signaling.ICEServer
		if endpoint != nil {
			list = endpoint.FetchICEConfig(ctx, fallback)
		} else {
			list = signaling.FallbackICEServers(fallback)
		}
		out := make([]webrtc.ICEServer, 0, len(list))
		for _, s := range list {
			srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
			if s.Credential != "" {
				srv.Credential = s.Credential
			}
			out = append(out, srv)
		}
		return out
	}
}

func setLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
}
