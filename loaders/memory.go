package loaders

import (
	"context"
	"sync"

	zen "github.com/wippyai/zen-runtime"
)

// Memory is a mutable in-process decision store.
type Memory struct {
	mu        sync.RWMutex
	decisions map[string][]byte
}

// NewMemory returns a store seeded with decisions. The map is copied.
func NewMemory(decisions map[string][]byte) *Memory {
	m := &Memory{decisions: make(map[string][]byte, len(decisions))}
	for k, v := range decisions {
		m.decisions[k] = append([]byte(nil), v...)
	}
	return m
}

// Put stores content under key, replacing any previous value.
func (m *Memory) Put(key string, content []byte) {
	m.mu.Lock()
	m.decisions[key] = append([]byte(nil), content...)
	m.mu.Unlock()
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.decisions, key)
	m.mu.Unlock()
}

// Len returns the number of stored decisions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.decisions)
}

// Load implements zen.Loader.
func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	content, ok := m.decisions[key]
	m.mu.RUnlock()
	if !ok {
		return nil, zen.ErrDecisionNotFound
	}
	return normalize(key, content)
}

// Loader returns m as a zen.Loader.
func (m *Memory) Loader() zen.Loader { return m.Load }
