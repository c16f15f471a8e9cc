package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
//
// Data is lost when the process exits. MemStore is safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	results map[string][]Result
	order   []string
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{results: make(map[string][]Result)}
}

// SaveResult implements Store.
func (m *MemStore) SaveResult(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.results[r.RunID]; !ok {
		m.order = append(m.order, r.RunID)
	}
	m.results[r.RunID] = append(m.results[r.RunID], r)
	return nil
}

// LoadRun implements Store.
func (m *MemStore) LoadRun(ctx context.Context, runID string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rs, ok := m.results[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Result, len(rs))
	copy(out, rs)
	return out, nil
}

// ListRuns implements Store.
func (m *MemStore) ListRuns(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.order[i])
	}
	return out, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
