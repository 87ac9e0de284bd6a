package store

import (
	"context"
	"strings"
	"sync"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// Memory is an in-process KV used by tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value    []byte
	revision int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

// Get implements KV.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, 0, qerrors.ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, e.revision, nil
}

// Put implements KV.
func (m *Memory) Put(ctx context.Context, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rev := m.entries[key].revision + 1
	m.entries[key] = memoryEntry{value: clone(value), revision: rev}
	return rev, nil
}

// CompareAndSwap implements KV.
func (m *Memory) CompareAndSwap(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	switch {
	case !ok && expectedRevision != 0:
		return 0, qerrors.ErrConflict
	case ok && e.revision != expectedRevision:
		return 0, qerrors.ErrConflict
	}

	rev := e.revision + 1
	m.entries[key] = memoryEntry{value: clone(value), revision: rev}
	return rev, nil
}

// Delete implements KV.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List implements KV.
func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for key, e := range m.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Entry{Key: key, Value: clone(e.value), Revision: e.revision})
		}
	}
	return out, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
