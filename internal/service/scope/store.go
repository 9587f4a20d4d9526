package scope

import (
	"context"
	"sync"

	"github.com/trellis-data/labflow/internal/core"
)

// MemoryStore keeps recorded scopes in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]core.ExecutionContext
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]core.ExecutionContext)}
}

// Put implements core.ContextStore.
func (m *MemoryStore) Put(_ context.Context, sequenceID string, c core.ExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[sequenceID] = c
	return nil
}

// Get implements core.ContextStore.
func (m *MemoryStore) Get(_ context.Context, sequenceID string) (core.ExecutionContext, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.scopes[sequenceID]
	return c, ok, nil
}

// StaticLister returns the same inventory for every scope. It backs
// deployments without an object store, where the client message carries the
// file list.
type StaticLister core.FileInventory

// List implements core.FileLister.
func (s StaticLister) List(context.Context, core.ExecutionContext) (core.FileInventory, error) {
	out := make(core.FileInventory, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// ListerFunc adapts a function to core.FileLister.
type ListerFunc func(ctx context.Context, scope core.ExecutionContext) (core.FileInventory, error)

// List calls f.
func (f ListerFunc) List(ctx context.Context, scope core.ExecutionContext) (core.FileInventory, error) {
	return f(ctx, scope)
}
