package service

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Collaborators that get their own throttle.
const (
	LimiterLLM   = "llm"
	LimiterAtoms = "atoms"
)

// A throttle speeds up by a tenth after this many successes in a row.
const recoverAfter = 5

// ThrottleConfig sets the steady call rate of a collaborator and the burst
// it accepts on top.
type ThrottleConfig struct {
	RatePerSecond float64
	Burst         int
}

// DefaultThrottleConfigs returns the built-in limits per collaborator.
func DefaultThrottleConfigs() map[string]ThrottleConfig {
	return map[string]ThrottleConfig{
		LimiterLLM:   {RatePerSecond: 2, Burst: 5},
		LimiterAtoms: {RatePerSecond: 10, Burst: 20},
	}
}

var fallbackThrottle = ThrottleConfig{RatePerSecond: 1, Burst: 10}

// Throttle paces calls to one collaborator. A throttling reply halves the
// rate, never below a tenth of the configured one; the rate recovers slowly
// while calls succeed, never above twice the configured one.
type Throttle struct {
	name    string
	limiter *rate.Limiter
	floor   rate.Limit
	ceiling rate.Limit

	mu        sync.Mutex
	streak    int
	throttled int64
}

// NewThrottle creates a throttle. Non-positive values fall back to one call
// per second with a burst of one.
func NewThrottle(name string, cfg ThrottleConfig) *Throttle {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	base := rate.Limit(cfg.RatePerSecond)
	return &Throttle{
		name:    name,
		limiter: rate.NewLimiter(base, cfg.Burst),
		floor:   base / 10,
		ceiling: base * 2,
	}
}

// Wait blocks until the collaborator may be called or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Succeeded records a call the collaborator accepted.
func (t *Throttle) Succeeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streak++
	if t.streak < recoverAfter {
		return
	}
	t.streak = 0
	if next := t.limiter.Limit() * 1.1; next <= t.ceiling {
		t.limiter.SetLimit(next)
	}
}

// Throttled records a 429 from the collaborator.
func (t *Throttle) Throttled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streak = 0
	t.throttled++
	if next := t.limiter.Limit() / 2; next >= t.floor {
		t.limiter.SetLimit(next)
	}
}

// ThrottleStatus is a snapshot of one throttle.
type ThrottleStatus struct {
	Name          string
	RatePerSecond float64
	Burst         int
	Tokens        float64
	Throttled     int64
}

// Status returns the current rate, free tokens and throttled reply count.
func (t *Throttle) Status() ThrottleStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleStatus{
		Name:          t.name,
		RatePerSecond: float64(t.limiter.Limit()),
		Burst:         t.limiter.Burst(),
		Tokens:        t.limiter.Tokens(),
		Throttled:     t.throttled,
	}
}

// Throttles hands out one shared throttle per collaborator.
type Throttles struct {
	mu      sync.Mutex
	configs map[string]ThrottleConfig
	byName  map[string]*Throttle
}

// NewThrottles starts from the built-in limits and applies overrides.
func NewThrottles(overrides map[string]ThrottleConfig) *Throttles {
	configs := DefaultThrottleConfigs()
	for name, cfg := range overrides {
		configs[name] = cfg
	}
	return &Throttles{configs: configs, byName: make(map[string]*Throttle)}
}

// Get returns the throttle for a collaborator, creating it on first use.
func (r *Throttles) Get(name string) *Throttle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byName[name]; ok {
		return t
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = fallbackThrottle
	}
	t := NewThrottle(name, cfg)
	r.byName[name] = t
	return t
}

// Status lists the throttles handed out so far, ordered by name.
func (r *Throttles) Status() []ThrottleStatus {
	r.mu.Lock()
	all := make([]*Throttle, 0, len(r.byName))
	for _, t := range r.byName {
		all = append(all, t)
	}
	r.mu.Unlock()

	out := make([]ThrottleStatus, 0, len(all))
	for _, t := range all {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
