// Package memory is a process-lifetime, in-memory code cache. Buckets are
// never pruned; new time-steps add new keys until the cache is cleared.
package memory

import (
	"maps"
	"sync"

	"github.com/knadh/oathkey/internal/store"
)

// Memory implements an in-memory Store.
type Memory struct {
	mu    sync.RWMutex
	steps map[uint64]map[string]string
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{
		steps: make(map[uint64]map[string]string),
	}
}

// Get returns the code cached for a name at a time-step.
func (m *Memory) Get(step uint64, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.steps[step][name]
	if !ok {
		return "", store.ErrNotExist
	}
	return code, nil
}

// Set replaces the bucket of a time-step.
func (m *Memory) Set(step uint64, codes map[string]string) error {
	m.mu.Lock()
	m.steps[step] = maps.Clone(codes)
	m.mu.Unlock()
	return nil
}

// Clear drops every bucket.
func (m *Memory) Clear() error {
	m.mu.Lock()
	clear(m.steps)
	m.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping() error {
	return nil
}

// Len returns the number of buckets.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.steps)
}
