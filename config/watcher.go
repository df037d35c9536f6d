package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldsync/fieldsync/logger"
)

// ReloadCallback is invoked after the configuration has been reloaded
type ReloadCallback func(*Config)

// ConfigWatcher watches the active config file and reloads on change
type ConfigWatcher struct {
	watcher   *fsnotify.Watcher
	callbacks []ReloadCallback
	mu        sync.Mutex
	debounce  *time.Timer
	done      chan struct{}
}

const debounceDelay = 500 * time.Millisecond

// NewConfigWatcher creates a watcher for the config file loaded by Load.
// Returns nil without error when no config file is in use (defaults only).
func NewConfigWatcher() (*ConfigWatcher, error) {
	path := ConfigFileUsed()
	if path == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		watcher: fw,
		done:    make(chan struct{}),
	}
	go cw.loop()

	logger.Debugw("Config watcher started", "path", path)
	return cw, nil
}

// OnReload registers a callback invoked after each successful reload
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			// Editors often replace files, which arrives as Create
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.scheduleReload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.debounce != nil {
		cw.debounce.Stop()
	}
	cw.debounce = time.AfterFunc(debounceDelay, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	cfg, err := Load()
	if err != nil {
		logger.Warnw("Config reload failed, keeping previous config", "error", err)
		return
	}

	logger.Infow("Config reloaded", "path", ConfigFileUsed())

	cw.mu.Lock()
	cbs := make([]ReloadCallback, len(cw.callbacks))
	copy(cbs, cw.callbacks)
	cw.mu.Unlock()

	for _, cb := range cbs {
		cb(cfg)
	}
}

// Close stops watching
func (cw *ConfigWatcher) Close() error {
	close(cw.done)
	return cw.watcher.Close()
}
