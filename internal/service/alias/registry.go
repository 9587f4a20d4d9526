// Package alias tracks which step produced which artifact so later steps
// can reference it symbolically.
package alias

import (
	"context"
	"fmt"
	"sort"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
)

// Registry maps (sequence, alias) pairs to produced artifact paths.
type Registry struct {
	store  core.AliasStore
	logger *logging.Logger
}

// NewRegistry creates a registry over store. A nil store uses a MemoryStore.
func NewRegistry(store core.AliasStore, logger *logging.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// Name normalizes an alias token. Bare names are accepted and treated as if
// written in token form.
func Name(token string) (string, bool) {
	if name, ok := core.NormalizeAlias(token); ok {
		return name, true
	}
	return core.NormalizeAlias(core.AliasToken(token))
}

// Register stores path under token for the sequence. A token or path that is
// not a string is ignored. A later registration of the same alias replaces the
// earlier one.
func (r *Registry) Register(ctx context.Context, sequenceID string, token, path core.Value) error {
	tok, ok := token.AsString()
	if !ok {
		return nil
	}
	p, ok := path.AsString()
	if !ok || p == "" {
		return nil
	}
	name, ok := Name(tok)
	if !ok {
		r.logger.Debug("ignoring unparseable alias", "sequence_id", sequenceID, "token", tok)
		return nil
	}

	prev, err := r.store.Set(ctx, sequenceID, name, p)
	if err != nil {
		return fmt.Errorf("registering alias %s: %w", name, err)
	}
	if prev != "" && prev != p {
		r.logger.Warn("alias overwritten",
			"sequence_id", sequenceID,
			"alias", core.AliasToken(name),
			"previous", prev,
			"path", p)
	}
	return nil
}

// RegisterString is Register for plain strings.
func (r *Registry) RegisterString(ctx context.Context, sequenceID, token, path string) error {
	return r.Register(ctx, sequenceID, core.StringValue(token), core.StringValue(path))
}

// Resolve returns the artifact path registered for token. Non-string values,
// strings that are not alias tokens and unknown aliases are returned unchanged.
func (r *Registry) Resolve(ctx context.Context, sequenceID string, token core.Value) core.Value {
	s, ok := token.AsString()
	if !ok {
		return token
	}
	if p, ok := r.lookup(ctx, sequenceID, s); ok {
		return core.StringValue(p)
	}
	return token
}

// ResolveString resolves one string token, returning it unchanged when no
// entry exists.
func (r *Registry) ResolveString(ctx context.Context, sequenceID, token string) string {
	if p, ok := r.lookup(ctx, sequenceID, token); ok {
		return p
	}
	return token
}

// ResolveAll resolves every input in order.
func (r *Registry) ResolveAll(ctx context.Context, sequenceID string, inputs []string) []string {
	out := make([]string, len(inputs))
	for i, in := range inputs {
		out[i] = r.ResolveString(ctx, sequenceID, in)
	}
	return out
}

func (r *Registry) lookup(ctx context.Context, sequenceID, token string) (string, bool) {
	if !core.IsAliasToken(token) {
		return "", false
	}
	name, ok := core.NormalizeAlias(token)
	if !ok {
		return "", false
	}
	p, found, err := r.store.Get(ctx, sequenceID, name)
	if err != nil {
		r.logger.Warn("alias lookup failed", "sequence_id", sequenceID, "alias", name, "error", err)
		return "", false
	}
	return p, found
}

// Substitute replaces every registered alias token in text with its path.
// Unknown tokens are kept.
func (r *Registry) Substitute(ctx context.Context, sequenceID, text string) string {
	if len(core.FindAliasTokens(text)) == 0 {
		return text
	}
	all, err := r.store.All(ctx, sequenceID)
	if err != nil {
		r.logger.Warn("alias listing failed", "sequence_id", sequenceID, "error", err)
		return text
	}
	return core.ReplaceAliasTokens(text, func(name string) (string, bool) {
		p, ok := all[name]
		return p, ok
	})
}

// Known returns the sorted alias names registered for the sequence.
func (r *Registry) Known(ctx context.Context, sequenceID string) ([]string, error) {
	all, err := r.store.All(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// All returns a copy of the sequence's alias table.
func (r *Registry) All(ctx context.Context, sequenceID string) (map[string]string, error) {
	return r.store.All(ctx, sequenceID)
}

// Clear drops every alias of the sequence.
func (r *Registry) Clear(ctx context.Context, sequenceID string) error {
	return r.store.Clear(ctx, sequenceID)
}
