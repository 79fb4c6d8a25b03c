// Package cluster provides the shared-state primitives the gateway fleet
// coordinates through: a revisioned key-value store and a publish/subscribe
// bus. In cluster mode both are backed by NATS; in single-node mode the
// in-process implementations are used so the rest of the code is identical.
package cluster

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrConflict is returned when a revision-checked update loses the race,
	// or a create hits an existing key.
	ErrConflict = errors.New("revision conflict")
)

// Entry is a value with the revision it was read at.
type Entry struct {
	Value    []byte
	Revision uint64
}

// KV is a revisioned key-value store. Update is compare-and-set on the
// revision: it is how status transitions stay terminal under concurrent
// writers on different instances.
type KV interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryKV is the in-process KV used in single-node mode and tests.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	nextRev uint64
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]*Entry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}

	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	return &Entry{Value: value, Revision: entry.Revision}, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(key, value), nil
}

func (m *MemoryKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, ErrConflict
	}
	return m.store(key, value), nil
}

func (m *MemoryKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if entry.Revision != revision {
		return 0, ErrConflict
	}
	return m.store(key, value), nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// store must be called with the write lock held.
func (m *MemoryKV) store(key string, value []byte) uint64 {
	m.nextRev++
	copied := make([]byte, len(value))
	copy(copied, value)
	m.entries[key] = &Entry{Value: copied, Revision: m.nextRev}
	return m.nextRev
}
