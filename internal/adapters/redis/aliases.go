// Package redis keeps alias tables in Redis so several labflow instances can
// serve the same sequence.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/trellis-data/labflow/internal/core"
)

// DefaultKeyPrefix namespaces alias hashes.
const DefaultKeyPrefix = "labflow:aliases:"

// setScript replaces one field and returns the value it held, refreshing the
// hash TTL when ARGV[3] is positive.
var setScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return prev
`)

// AliasStore implements core.AliasStore with one hash per sequence.
type AliasStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures an AliasStore.
type Option func(*AliasStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *AliasStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires a sequence's aliases ttl after its last registration.
func WithTTL(ttl time.Duration) Option {
	return func(s *AliasStore) { s.ttl = ttl }
}

// NewAliasStore wraps an existing client.
func NewAliasStore(client redis.UniversalClient, opts ...Option) *AliasStore {
	s := &AliasStore{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, redisURL string, opts ...Option) (*AliasStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, core.ErrNetwork("redis unreachable").WithCause(err)
	}
	return NewAliasStore(client, opts...), nil
}

// Close releases the client.
func (s *AliasStore) Close() error {
	return s.client.Close()
}

func (s *AliasStore) key(sequenceID string) string {
	return s.prefix + sequenceID
}

// Set implements core.AliasStore.
func (s *AliasStore) Set(ctx context.Context, sequenceID, alias, path string) (string, error) {
	prev, err := setScript.Run(ctx, s.client, []string{s.key(sequenceID)},
		alias, path, s.ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("setting alias %s: %w", alias, err)
	}
	return prev, nil
}

// Get implements core.AliasStore.
func (s *AliasStore) Get(ctx context.Context, sequenceID, alias string) (string, bool, error) {
	path, err := s.client.HGet(ctx, s.key(sequenceID), alias).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting alias %s: %w", alias, err)
	}
	return path, true, nil
}

// All implements core.AliasStore.
func (s *AliasStore) All(ctx context.Context, sequenceID string) (map[string]string, error) {
	table, err := s.client.HGetAll(ctx, s.key(sequenceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing aliases: %w", err)
	}
	return table, nil
}

// Clear implements core.AliasStore.
func (s *AliasStore) Clear(ctx context.Context, sequenceID string) error {
	if err := s.client.Del(ctx, s.key(sequenceID)).Err(); err != nil {
		return fmt.Errorf("clearing aliases: %w", err)
	}
	return nil
}
