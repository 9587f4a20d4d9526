// Package scope resolves the execution context of a sequence and re-lists
// its file inventory on every refresh.
package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
)

// Resolver prefers a sequence's recorded scope over the process default and
// caches the last resolution per sequence.
type Resolver struct {
	contexts core.ContextStore
	files    core.FileLister
	fallback core.ExecutionContext
	logger   *logging.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]core.ResolvedContext
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefault sets the scope used when a sequence has recorded none.
func WithDefault(c core.ExecutionContext) Option {
	return func(r *Resolver) { r.fallback = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver. A nil store keeps recorded scopes in memory;
// a nil lister yields empty inventories.
func NewResolver(contexts core.ContextStore, files core.FileLister, opts ...Option) *Resolver {
	r := &Resolver{
		contexts: contexts,
		files:    files,
		logger:   logging.NewNop(),
		now:      time.Now,
		cache:    make(map[string]core.ResolvedContext),
	}
	if r.contexts == nil {
		r.contexts = NewMemoryStore()
	}
	if r.files == nil {
		r.files = StaticLister(nil)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefault replaces the process-wide default scope.
func (r *Resolver) SetDefault(c core.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

// Record stores the sequence's own scope. A zero scope is ignored so a
// message without project context never erases an earlier recording.
func (r *Resolver) Record(ctx context.Context, sequenceID string, c core.ExecutionContext) error {
	if c.IsZero() {
		return nil
	}
	if err := r.contexts.Put(ctx, sequenceID, c); err != nil {
		return fmt.Errorf("recording context for %s: %w", sequenceID, err)
	}
	return nil
}

// Identifiers returns the scope a sequence resolves to without listing files.
func (r *Resolver) Identifiers(ctx context.Context, sequenceID string) (core.ExecutionContext, core.ContextSource, error) {
	recorded, ok, err := r.contexts.Get(ctx, sequenceID)
	if err != nil {
		return core.ExecutionContext{}, "", fmt.Errorf("loading context for %s: %w", sequenceID, err)
	}
	if ok && !recorded.IsZero() {
		return recorded, core.ContextSourceRecorded, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback, core.ContextSourceDefault, nil
}

// Refresh resolves the identifiers and lists the inventory again. The result
// replaces the cached entry for the sequence.
func (r *Resolver) Refresh(ctx context.Context, sequenceID string) (core.ResolvedContext, error) {
	ids, source, err := r.Identifiers(ctx, sequenceID)
	if err != nil {
		return core.ResolvedContext{}, err
	}

	inv, err := r.files.List(ctx, ids)
	if err != nil {
		return core.ResolvedContext{}, fmt.Errorf("listing files for %s: %w", ids, err)
	}
	if inv == nil {
		inv = core.FileInventory{}
	}

	resolved := core.ResolvedContext{
		Identifiers: ids,
		Files:       inv,
		Source:      source,
		ResolvedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	r.cache[sequenceID] = resolved
	r.mu.Unlock()

	r.logger.Debug("context refreshed",
		"sequence_id", sequenceID,
		"scope", ids.String(),
		"source", string(source),
		"files", len(inv))
	return resolved, nil
}

// Cached returns the last refresh result for the sequence.
func (r *Resolver) Cached(sequenceID string) (core.ResolvedContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[sequenceID]
	return c, ok
}

// Forget drops the cached entry.
func (r *Resolver) Forget(sequenceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, sequenceID)
}
