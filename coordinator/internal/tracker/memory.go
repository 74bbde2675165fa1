package tracker

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize bounds the in-process tracker.
const DefaultMemorySize = 10000

// Memory is a bounded in-process tracker. Evicted keys behave as never set,
// which only matters for sessions idle long enough to fall out of the cache.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, int]
}

// NewMemory creates a tracker holding at most size keys.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("tracker cache init: %w", err)
	}
	return &Memory{cache: cache}, nil
}

func (m *Memory) SetOnce(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Contains(key) {
		return false, nil
	}
	m.cache.Add(key, 1)
	return true, nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

func (m *Memory) SetInt(_ context.Context, key string, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(key, v)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.cache.Remove(k)
	}
	return nil
}

// Len returns the number of keys held.
func (m *Memory) Len() int {
	return m.cache.Len()
}
