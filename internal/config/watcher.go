package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/logging"
)

const debounceInterval = 200 * time.Millisecond

// Watcher reloads the config file on change and hands the parsed result
// to a callback. Events are debounced because editors and config mounts
// produce bursts of writes for a single logical update.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	timer   *time.Timer
	stopped bool
}

// NewWatcher watches path. onChange runs on the watcher goroutine after
// each successful reload; parse failures keep the previous config.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic-rename saves briefly
	// remove the watched inode.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, onChange: onChange, fw: fw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Error("config reload failed, keeping previous", zap.String("path", w.path), zap.Error(err))
		return
	}
	logging.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

// Close stops the watcher. Pending debounced reloads are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fw.Close()
}
