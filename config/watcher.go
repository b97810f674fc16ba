package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/permsweep/permsweep/logger"
)

// Watcher watches the config file for changes and triggers reload callbacks.
// The daemon uses it to apply budget and rate changes without a restart.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	done           chan struct{}
}

// ReloadCallback is called with the freshly loaded config after a change
type ReloadCallback func(*Config) error

// NewWatcher creates a new config file watcher
func NewWatcher(configPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file %s: %w", configPath, err)
	}

	return &Watcher{
		configPath:     configPath,
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond, // Debounce rapid file changes
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (w *Watcher) OnReload(callback ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop ends the watch loop and releases the fsnotify watcher
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of write events into one reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.configPath)
	if err != nil {
		logger.Warnw("Config reload failed, keeping previous config",
			"path", w.configPath,
			"error", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	logger.Infow("Config reloaded", "path", w.configPath)
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback failed", "error", err)
		}
	}
}
