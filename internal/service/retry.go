package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

// RetryPolicy defines retry behavior.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0 to 1.0
	Multiplier   float64 // Exponential factor
}

// DefaultRetryPolicy returns a default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
}

// RetryPolicyOption configures a retry policy.
type RetryPolicyOption func(*RetryPolicy)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.MaxAttempts = n
	}
}

// WithBaseDelay sets the initial delay.
func WithBaseDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = d
	}
}

// WithMaxDelay sets the maximum delay.
func WithMaxDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.MaxDelay = d
	}
}

// WithJitter sets the jitter factor.
func WithJitter(factor float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.JitterFactor = factor
	}
}

// WithMultiplier sets the exponential multiplier.
func WithMultiplier(m float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.Multiplier = m
	}
}

// NewRetryPolicy creates a new retry policy.
func NewRetryPolicy(opts ...RetryPolicyOption) *RetryPolicy {
	p := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// RetryNotifyFunc is called before each backoff wait.
type RetryNotifyFunc func(attempt int, err error, delay time.Duration)

// Execute runs the function with retry logic.
func (p *RetryPolicy) Execute(ctx context.Context, fn RetryableFunc) error {
	return p.ExecuteWithNotify(ctx, fn, nil)
}

// ExecuteWithNotify runs with retry and notifications. Only errors marked
// retryable by the domain taxonomy are retried.
func (p *RetryPolicy) ExecuteWithNotify(ctx context.Context, fn RetryableFunc, notify RetryNotifyFunc) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !core.IsRetryable(err) {
			return err
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.CalculateDelay(attempt)

		if notify != nil {
			notify(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &RetryExhaustedError{
		Attempts: p.MaxAttempts,
		LastErr:  lastErr,
	}
}

// CalculateDelay computes the delay for a given attempt.
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := p.delay(attempt)
	if p.JitterFactor > 0 {
		delay = addJitter(delay, p.JitterFactor)
	}
	return time.Duration(delay)
}

// CalculateDelayNoJitter computes the delay without jitter (for testing).
func (p *RetryPolicy) CalculateDelayNoJitter(attempt int) time.Duration {
	return time.Duration(p.delay(attempt))
}

// delay is baseDelay * multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) delay(attempt int) float64 {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return d
}

func addJitter(delay float64, factor float64) float64 {
	jitter := delay * factor
	return delay + (rand.Float64()*2-1)*jitter
}

// TransportRetryPolicy is used for HTTP calls to the language model.
func TransportRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  4,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     20 * time.Second,
		JitterFactor: 0.25,
		Multiplier:   2.0,
	}
}

// RetryExhaustedError indicates all retry attempts failed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error is or wraps a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}

// AttemptNotifyFunc observes a failed attempt of RetryJSONGeneration.
type AttemptNotifyFunc func(attempt int, elapsed time.Duration, timedOut bool)

// RetryJSONGeneration calls attemptFn up to attempts times, each under its own
// timeout. After every failed attempt onAttempt is called and, when attempts
// remain, the call sleeps for delay. It returns the first successful result or
// a *RetryExhaustedError carrying the configured attempt count and last error.
// A timeout of zero disables the per-attempt deadline.
func RetryJSONGeneration[T any](
	ctx context.Context,
	attemptFn func(ctx context.Context) (T, error),
	attempts int,
	delay, timeout time.Duration,
	onAttempt AttemptNotifyFunc,
) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		start := time.Now()
		result, err := runAttempt(attemptCtx, attemptFn)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil && !timedOut {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if timedOut {
			err = core.ErrTimeout(fmt.Sprintf("attempt %d exceeded %s", attempt, timeout)).WithCause(err)
		}
		lastErr = err

		if onAttempt != nil {
			onAttempt(attempt, time.Since(start), timedOut)
		}

		if attempt == attempts {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return zero, &RetryExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// runAttempt runs fn in its own goroutine so an attempt that ignores its
// context still returns control when the deadline passes.
func runAttempt[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{zero, fmt.Errorf("attempt panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Budget bounds one call site of RetryJSONGeneration.
type Budget struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

// RetryWithBudget is RetryJSONGeneration with the limits taken from b.
func RetryWithBudget[T any](ctx context.Context, b Budget, attemptFn func(ctx context.Context) (T, error), onAttempt AttemptNotifyFunc) (T, error) {
	return RetryJSONGeneration(ctx, attemptFn, b.Attempts, b.Delay, b.Timeout, onAttempt)
}
