// Package watcher feeds workspace file changes to the semantic index using fsnotify.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/workspace"
)

// ChangeFunc receives a changed file as a workspace root and a forward-slash
// relative path. It must not block for long; the index queues the work.
type ChangeFunc func(root, rel string)

// Watcher watches workspace roots recursively and reports file changes.
// Ignored directories (node_modules, .git, ...) are never watched.
type Watcher struct {
	roots     []string
	filter    func(rel string) bool
	onChange  ChangeFunc
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	rootPaths map[string][]string // root -> watched dirs under it
	done      chan struct{}
	started   bool
	stopOnce  sync.Once
	logger    *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for roots. filter selects which relative paths
// are reported (nil reports everything); onChange is called for every create,
// write, remove and rename of a selected file.
func NewWatcher(roots []string, filter func(rel string) bool, onChange ChangeFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		filter:    filter,
		onChange:  onChange,
		rootPaths: make(map[string][]string),
		done:      make(chan struct{}),
	}
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			w.roots = append(w.roots, filepath.Clean(abs))
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.started = true
	if w.logger != nil {
		w.logger.Debug("watcher starting", zap.Strings("roots", w.roots))
	}
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	root, rel, ok := w.locate(ev.Name)
	if !ok {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	}
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			if ev.Op.Has(fsnotify.Create) {
				w.handleNewDirectory(root, ev.Name)
			}
			return
		}
		w.emit(root, rel)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A renamed file reappears as a Create under its new name.
		w.emit(root, rel)
	}
}

func (w *Watcher) emit(root, rel string) {
	if w.filter != nil && !w.filter(rel) {
		return
	}
	if w.onChange != nil {
		w.onChange(root, rel)
	}
}

// locate finds the watched root owning path, skipping paths inside ignored
// directories.
func (w *Watcher) locate(path string) (root, rel string, ok bool) {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	clean := filepath.Clean(path)
	for _, r := range roots {
		if !workspace.Within(r, clean) || r == clean {
			continue
		}
		rel, err := workspace.Rel(r, clean)
		if err != nil {
			continue
		}
		if inIgnoredDir(rel) {
			return "", "", false
		}
		return r, rel, true
	}
	return "", "", false
}

func inIgnoredDir(rel string) bool {
	dir := filepath.Dir(filepath.FromSlash(rel))
	for dir != "." && dir != string(filepath.Separator) && dir != "" {
		if workspace.IsIgnoredDir(filepath.Base(dir)) {
			return true
		}
		dir = filepath.Dir(dir)
	}
	return false
}

// handleNewDirectory watches a directory created (or moved) under root and
// reports the files already inside it.
func (w *Watcher) handleNewDirectory(root, dirPath string) {
	if workspace.IsIgnoredDir(filepath.Base(dirPath)) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher handling new directory", zap.String("path", dirPath))
	}
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}
	added := w.walkDirs(fw, dirPath)
	w.mu.Lock()
	w.rootPaths[root] = append(w.rootPaths[root], added...)
	w.mu.Unlock()
	w.syncDirectory(root, dirPath)
}

// walkDirs adds dir and every non-ignored subdirectory to fw.
func (w *Watcher) walkDirs(fw *fsnotify.Watcher, dir string) []string {
	var added []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && workspace.IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			if w.logger != nil {
				w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
			}
			return nil
		}
		added = append(added, path)
		return nil
	})
	return added
}

// AddDirectory adds a workspace root to watch.
func (w *Watcher) AddDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.roots {
		if r == abs {
			return nil
		}
	}
	if w.watcher != nil {
		if err := w.addRootLocked(abs); err != nil {
			return err
		}
	}
	w.roots = append(w.roots, abs)
	if w.logger != nil {
		w.logger.Debug("watcher directory added", zap.String("path", abs))
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: root, Err: fs.ErrInvalid}
	}
	w.rootPaths[root] = w.walkDirs(w.watcher, root)
	return nil
}

func (w *Watcher) syncDirectory(root, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && workspace.IsIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := workspace.Rel(root, path)
		if err != nil {
			return nil
		}
		w.emit(root, rel)
		return nil
	})
}

// RemoveDirectory stops watching the given root. Index records are kept.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := -1
	for i, r := range w.roots {
		if r == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if w.watcher != nil {
		for _, p := range w.rootPaths[abs] {
			_ = w.watcher.Remove(p)
		}
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	if w.logger != nil {
		w.logger.Debug("watcher directory removed", zap.String("path", abs))
	}
	return nil
}

// Directories returns a copy of the current watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
