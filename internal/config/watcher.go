package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration when its file changes and notifies
// registered callbacks. Saves go through a temp-file rename, so the parent
// directory is watched and events are filtered by name.
type Watcher struct {
	cfg       *Config
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	stopCh    chan struct{}
	mu        sync.RWMutex
	running   bool
	lastMod   time.Time
}

// NewWatcher creates a watcher for the given configuration.
func NewWatcher(cfg *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("config watcher already running")
	}

	if stat, err := os.Stat(w.cfg.ConfigFile); err == nil {
		w.lastMod = stat.ModTime()
	}
	if err := w.watcher.Add(filepath.Dir(w.cfg.ConfigFile)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			// Debounce rapid rewrites; editors fire several events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Name != w.cfg.ConfigFile {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) handleChange() {
	stat, err := os.Stat(w.cfg.ConfigFile)
	if err != nil {
		return
	}
	w.mu.Lock()
	if !stat.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = stat.ModTime()
	w.mu.Unlock()

	// A bad rewrite keeps the previous configuration serving.
	if err := w.cfg.load(); err != nil {
		logrus.Errorf("Failed to reload config: %v", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()
	for _, fn := range callbacks {
		fn(w.cfg)
	}
	logrus.WithField("path", w.cfg.ConfigFile).Info("Configuration reloaded")
}

// TriggerReload reloads the configuration immediately.
func (w *Watcher) TriggerReload() error {
	return w.cfg.load()
}
