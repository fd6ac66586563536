package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads the config file whenever it changes on disk and calls
// onChange with each valid new config. Invalid edits are logged and
// skipped; the previous config stays in effect. Returns a stop function.
//
// The parent directory is watched, not the file itself: most editors
// replace the file on save, which would kill a direct file watch.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	closed := make(chan struct{})

	go func() {
		// Debounce: editors fire several events per save.
		var pending <-chan time.Time

		for {
			select {
			case <-closed:
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(200 * time.Millisecond)
				}

			case <-pending:
				pending = nil
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("reload of %s failed, keeping previous config: %v", filepath.Base(abs), err)
					continue
				}
				log.Infof("config reloaded from %s", filepath.Base(abs))
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(closed)
		watcher.Close()
	}, nil
}
