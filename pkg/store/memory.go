package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps generations in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		caches: make(map[string]map[string][]byte),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Create(ctx context.Context, cache string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[cache]; ok {
		return false, nil
	}
	m.caches[cache] = make(map[string][]byte)
	m.order = append(m.order, cache)
	return true, nil
}

func (m *MemoryBackend) Exists(ctx context.Context, cache string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.caches[cache]
	return ok, nil
}

func (m *MemoryBackend) Names(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemoryBackend) Drop(ctx context.Context, cache string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[cache]; !ok {
		return false, nil
	}
	delete(m.caches, cache)
	for i, name := range m.order {
		if name == cache {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryBackend) Get(ctx context.Context, cache, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.caches[cache]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (m *MemoryBackend) Set(ctx context.Context, cache, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.caches[cache]
	if !ok {
		return ErrNotFound
	}
	entries[key] = bytes.Clone(data)
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context, cache string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.caches[cache]
	if !ok {
		return nil, ErrNotFound
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
