package state

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryBackend keeps values in a map. Used by tests and by the "memory"
// storage driver for throwaway deployments.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, &PersistenceError{Op: "read", Key: key, Err: ErrNotFound}
	}
	return slices.Clone(v), nil
}

func (m *MemoryBackend) Write(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = slices.Clone(data)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
