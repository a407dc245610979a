// ABOUTME: In-memory Store implementation for tests and the memory driver
// ABOUTME: Copies records in and out and supports injected Put failures

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// PutHook runs before a MemoryStore write; a non-nil error aborts the write.
type PutHook func(rec *workflow.Record) error

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*workflow.Record
	putHook PutHook
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*workflow.Record),
	}
}

// SetPutHook installs a hook consulted on every Put. Pass nil to clear it.
func (m *MemoryStore) SetPutHook(h PutHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putHook = h
}

// Get retrieves a copy of the record.
func (m *MemoryStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, unavailable("get", errClosed)
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Put stores a copy of the record.
func (m *MemoryStore) Put(ctx context.Context, rec *workflow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return unavailable("put", errClosed)
	}
	if m.putHook != nil {
		if err := m.putHook(rec); err != nil {
			return unavailable("put", err)
		}
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// List returns matching records, newest first.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, 0, unavailable("list", errClosed)
	}

	var matched []*workflow.Record
	for _, rec := range m.records {
		if filter.matches(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*workflow.Record{}, total, nil
	}
	end := min(filter.Offset+filter.limit(), total)

	out := make([]*workflow.Record, 0, end-filter.Offset)
	for _, rec := range matched[filter.Offset:end] {
		out = append(out, rec.Clone())
	}
	return out, total, nil
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable("ping", errClosed)
	}
	return nil
}

// Close marks the store closed; later calls fail with ErrUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
