package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MinReloadInterval is the minimum time between two reloads triggered by file events.
const MinReloadInterval = 200 * time.Millisecond

// RuntimeStore holds the current runtime config and reloads it when the file changes.
// Readers always get a complete snapshot; a missing or corrupt file yields defaults.
type RuntimeStore struct {
	path      string
	logger    *zap.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu         sync.RWMutex
	current    *Runtime
	lastData   []byte
	lastLoaded time.Time
	trailing   *time.Timer
	reloads    atomic.Int64

	watchOnce sync.Once
}

// StoreOption configures a RuntimeStore.
type StoreOption func(*RuntimeStore)

// WithStoreLogger sets a logger for reload events.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *RuntimeStore) { s.logger = l }
}

// NewRuntimeStore creates a store for the config file at path. The store starts
// with the default config until LoadOnce is called.
func NewRuntimeStore(path string, opts ...StoreOption) *RuntimeStore {
	s := &RuntimeStore{
		path:      path,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		current:   NormalizeRuntime(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the config file path.
func (s *RuntimeStore) Path() string {
	return s.path
}

// Get returns the current config snapshot. Callers must not mutate it.
func (s *RuntimeStore) Get() *Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reloads returns how many times the file has been loaded.
func (s *RuntimeStore) Reloads() int64 {
	return s.reloads.Load()
}

// LoadOnce reads the file and replaces the current config.
func (s *RuntimeStore) LoadOnce() *Runtime {
	cfg, data := s.read()
	s.store(cfg, data)
	return cfg
}

func (s *RuntimeStore) store(cfg *Runtime, data []byte) {
	s.mu.Lock()
	s.current = cfg
	s.lastData = data
	s.lastLoaded = s.now()
	s.mu.Unlock()
	s.reloads.Add(1)
}

// reloadFromEvent reloads unless the previous load happened within
// MinReloadInterval. An event inside the window arms one trailing reload for
// the rest of the window, so the last write is never lost.
func (s *RuntimeStore) reloadFromEvent() bool {
	s.mu.Lock()
	elapsed := s.now().Sub(s.lastLoaded)
	if elapsed < MinReloadInterval {
		if s.trailing == nil {
			s.trailing = s.afterFunc(MinReloadInterval-elapsed, func() { s.reloadTrailing() })
		}
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.LoadOnce()
	s.logReload()
	return true
}

// reloadTrailing loads the file if it changed since the last load.
func (s *RuntimeStore) reloadTrailing() bool {
	cfg, data := s.read()
	s.mu.Lock()
	s.trailing = nil
	unchanged := bytes.Equal(data, s.lastData)
	s.mu.Unlock()
	if unchanged {
		return false
	}
	s.store(cfg, data)
	s.logReload()
	return true
}

func (s *RuntimeStore) stopTrailing() {
	s.mu.Lock()
	if s.trailing != nil {
		s.trailing.Stop()
		s.trailing = nil
	}
	s.mu.Unlock()
}

func (s *RuntimeStore) logReload() {
	if s.logger != nil {
		s.logger.Info("runtime config reloaded", zap.String("path", s.path), zap.Int64("reloads", s.reloads.Load()))
	}
}

// read returns the parsed config and the raw file bytes (nil when unreadable).
func (s *RuntimeStore) read() (*Runtime, []byte) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("failed to read runtime config", zap.String("path", s.path), zap.Error(err))
		}
		return NormalizeRuntime(nil), nil
	}
	cfg, err := ParseRuntime(data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("invalid runtime config, using defaults", zap.String("path", s.path), zap.Error(err))
		}
		return NormalizeRuntime(nil), data
	}
	return cfg, data
}

// Watch reloads the config when the file changes, until ctx is cancelled.
// The parent directory is watched so atomic replaces and late creation are seen.
// Only the first call starts a watcher.
func (s *RuntimeStore) Watch(ctx context.Context) error {
	var startErr error
	s.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = err
			return
		}
		dir := filepath.Dir(s.path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = w.Close()
			startErr = err
			return
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			startErr = err
			return
		}
		go s.run(ctx, w)
	})
	return startErr
}

func (s *RuntimeStore) run(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	defer s.stopTrailing()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.reloadFromEvent()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil && s.logger != nil {
				s.logger.Debug("runtime config watcher error", zap.Error(err))
			}
		}
	}
}
