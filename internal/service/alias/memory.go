package alias

import (
	"context"
	"sync"
)

// MemoryStore keeps alias tables in process memory, one map per sequence.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]string)}
}

// Set stores path and returns the value it replaced.
func (m *MemoryStore) Set(_ context.Context, sequenceID, alias, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[sequenceID]
	if !ok {
		table = make(map[string]string)
		m.tables[sequenceID] = table
	}
	prev := table[alias]
	table[alias] = path
	return prev, nil
}

// Get looks up one alias.
func (m *MemoryStore) Get(_ context.Context, sequenceID, alias string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.tables[sequenceID][alias]
	return p, ok, nil
}

// All returns a copy of the sequence table.
func (m *MemoryStore) All(_ context.Context, sequenceID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.tables[sequenceID]))
	for k, v := range m.tables[sequenceID] {
		out[k] = v
	}
	return out, nil
}

// Clear removes the sequence table.
func (m *MemoryStore) Clear(_ context.Context, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, sequenceID)
	return nil
}
