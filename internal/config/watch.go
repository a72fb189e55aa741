package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// DefaultDebounce absorbs the burst of events editors emit on save
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads configuration when the file changes. Rapid changes are
// collapsed into one reload after the debounce window.
type Watcher struct {
	loader   *Loader
	window   time.Duration
	onChange func(*types.Config)

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Watch starts watching the loaded file. onChange receives every
// configuration that loads and validates; invalid edits are logged and skipped.
func (l *Loader) Watch(window time.Duration, onChange func(*types.Config)) *Watcher {
	if window <= 0 {
		window = DefaultDebounce
	}
	w := &Watcher{loader: l, window: window, onChange: onChange}

	l.v.OnConfigChange(w.handle)
	l.v.WatchConfig()

	log.Info().
		Str("config", l.v.ConfigFileUsed()).
		Dur("debounce", window).
		Msg("Watching configuration for changes")
	return w
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Configuration change rejected")
		return
	}

	log.Info().Int("servers", len(cfg.Servers)).Msg("Configuration changed")
	w.onChange(cfg)
}

// Stop cancels a pending reload and ignores further changes
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
