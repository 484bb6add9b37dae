package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/hyperjump/aichat/internal/workspace"
)

// Manager owns one Index per workspace root.
type Manager struct {
	ctx     context.Context
	opts    []Option
	mu      sync.Mutex
	indexes map[string]*Index
	closed  bool
}

// ErrManagerClosed is returned by Get after Close.
var ErrManagerClosed = errors.New("index manager closed")

// NewManager creates a manager whose indexes coalesce changes until ctx ends.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	return &Manager{ctx: ctx, opts: opts, indexes: map[string]*Index{}}
}

// Get returns the started index for root, creating it on first use.
func (m *Manager) Get(root string) (*Index, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if ix, ok := m.indexes[abs]; ok {
		return ix, nil
	}
	ix, err := New(abs, m.opts...)
	if err != nil {
		return nil, err
	}
	ix.Start(m.ctx)
	m.indexes[abs] = ix
	return ix, nil
}

// NotifyFileChanged routes a change under root to the index owning root, if
// one exists.
func (m *Manager) NotifyFileChanged(root, rel string) bool {
	abs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	full := filepath.Join(abs, filepath.FromSlash(rel))
	m.mu.Lock()
	var owner *Index
	for r, ix := range m.indexes {
		if workspace.Within(r, full) {
			owner = ix
			break
		}
	}
	m.mu.Unlock()
	if owner == nil {
		return false
	}
	ownerRel, err := workspace.Rel(owner.Root(), full)
	if err != nil {
		return false
	}
	return owner.NotifyFileChanged(owner.Root(), ownerRel)
}

// Close closes every index.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	indexes := make([]*Index, 0, len(m.indexes))
	for _, ix := range m.indexes {
		indexes = append(indexes, ix)
	}
	m.mu.Unlock()
	var errs []error
	for _, ix := range indexes {
		if err := ix.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
