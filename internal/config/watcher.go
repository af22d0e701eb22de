package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadFunc

	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewWatcher watches the directory of the loader's config file. Editors
// often replace files instead of writing them, so the directory is watched
// and events are filtered by name.
func NewWatcher(loader *Loader, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(loader.GetConfigPath())); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: debounce,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.eventLoop()

	log.Info().Str("path", loader.GetConfigPath()).Msg("Config watcher started")
	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	target := filepath.Clean(w.loader.GetConfigPath())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}
	log.Info().Int("models", len(cfg.Models)).Msg("Config reloaded")
	w.onReload(cfg)
}
