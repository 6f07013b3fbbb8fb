package storage

import (
	"context"
	"sync"
)

// MemKV is an in-memory KV used in tests and for ephemeral sessions where
// durability across restarts is not wanted.
type MemKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMem returns an empty in-memory store.
func NewMem() *MemKV {
	return &MemKV{data: make(map[string]string)}
}

func (m *MemKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemKV) Close() error {
	return nil
}
