package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces bursts of write events from editors that
// truncate-then-write the settings file.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the settings file into a Manager on change.
type Watcher struct {
	log     zerolog.Logger
	manager *Manager
	path    string
	fw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given settings path.
func NewWatcher(path string, manager *Manager, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		manager: manager,
		fw:      fw,
		log:     log.With().Str("component", "config-watcher").Logger(),
	}, nil
}

// Run watches until the context is cancelled. Reload failures keep the
// previous configuration in place.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.fw.Add(w.path); err != nil {
		// Settings file may not exist yet; watch the directory instead.
		w.log.Debug().Err(err).Str("path", w.path).Msg("Watching parent directory")
	}

	var pending *time.Timer
	reload := make(chan struct{}, 1)

	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, err := LoadFile(w.path)
			if err != nil {
				w.log.Warn().Err(err).Msg("Settings reload failed, keeping previous config")
				continue
			}
			w.manager.Replace(cfg)
			w.log.Info().Str("path", w.path).Msg("Settings reloaded")
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
