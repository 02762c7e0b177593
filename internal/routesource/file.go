package routesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/logging"
)

const fileDebounce = 200 * time.Millisecond

// fileDoc is the on-disk shape of a route table file.
type fileDoc struct {
	Communities []config.CommunityConfig `yaml:"communities"`
}

// File serves tables from a YAML file and reloads it on change. Each
// successful load stamps every community with a new generation so
// resolvers recompile; versions declared in the file are ignored
// because hand-edited files rarely keep them current.
type File struct {
	path string

	mu         sync.RWMutex
	tables     map[string]config.CommunityConfig
	generation int64

	wmu     sync.Mutex
	fw      *fsnotify.Watcher
	timer   *time.Timer
	stopped bool
}

// NewFile loads path and starts watching its directory. The initial
// load must succeed; later reload failures keep the previous tables.
func NewFile(path string) (*File, error) {
	f := &File{path: path, tables: make(map[string]config.CommunityConfig)}
	if err := f.load(); err != nil {
		return nil, err
	}
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
	f.fw = fw
	go f.loop()
	return f, nil
}

// Community returns the current raw table for id.
func (f *File) Community(_ context.Context, id string) (config.CommunityConfig, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cc, ok := f.tables[id]
	return cc, ok, nil
}

// Generation reports how many loads have succeeded.
func (f *File) Generation() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.generation
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read route file: %w", err)
	}
	var doc fileDoc
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.Strict()); err != nil {
		return fmt.Errorf("parse route file: %w", err)
	}
	for i := range doc.Communities {
		if err := doc.Communities[i].Validate(); err != nil {
			return fmt.Errorf("route file: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	tables := make(map[string]config.CommunityConfig, len(doc.Communities))
	for _, cc := range doc.Communities {
		cc.Version = f.generation
		tables[cc.ID] = cc
	}
	f.tables = tables
	return nil
}

func (f *File) loop() {
	base := filepath.Base(f.path)
	for {
		select {
		case ev, ok := <-f.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.schedule()
		case err, ok := <-f.fw.Errors:
			if !ok {
				return
			}
			logging.Warn("route file watch error", zap.Error(err))
		}
	}
}

func (f *File) schedule() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if f.stopped {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(fileDebounce, f.reload)
}

func (f *File) reload() {
	if err := f.load(); err != nil {
		logging.Error("route file reload failed, keeping previous tables",
			zap.String("path", f.path), zap.Error(err))
		return
	}
	f.mu.RLock()
	n, gen := len(f.tables), f.generation
	f.mu.RUnlock()
	logging.Info("route tables reloaded",
		zap.String("path", f.path), zap.Int("communities", n), zap.Int64("generation", gen))
}

// Reload forces a synchronous load, bypassing the debounce. The admin
// reload endpoint uses it.
func (f *File) Reload() error { return f.load() }

// Close stops the watcher. Pending debounced reloads are cancelled.
func (f *File) Close() error {
	f.wmu.Lock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.wmu.Unlock()
	return f.fw.Close()
}
