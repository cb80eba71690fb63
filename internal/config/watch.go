package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads Config from disk when configPath changes, skipping
// reloads whose content hash matches what's already loaded (editors
// routinely emit multiple write events for a single save).
type Watcher struct {
	configPath string
	logger     *zap.Logger
	fsw        *fsnotify.Watcher
	lastHash   string
	onReload   func(*Config)
}

// NewWatcher builds a Watcher for configPath. onReload is invoked with
// the newly loaded Config whenever a change passes the hash check.
func NewWatcher(configPath string, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		logger:     logger,
		fsw:        fsw,
		onReload:   onReload,
	}, nil
}

// Start begins watching configPath. It records the current file's hash
// so the first write event after a no-op edit doesn't trigger a spurious
// reload, then runs the event loop in its own goroutine until Stop.
func (w *Watcher) Start() error {
	if w.configPath == "" {
		return nil
	}
	if data, err := os.ReadFile(w.configPath); err == nil {
		w.lastHash = hashOf(data)
	}
	if err := w.fsw.Add(w.configPath); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleChange() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		w.logger.Warn("config watcher read failed", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	newHash := hashOf(data)
	if newHash == w.lastHash {
		return
	}

	cfg, _, err := Load(w.configPath)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return
	}

	w.lastHash = newHash
	w.logger.Info("config reloaded", zap.String("path", w.configPath))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
