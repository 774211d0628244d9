// Package resilience provides primitives for wrapping flaky I/O:
// a three-state circuit breaker, bounded-backoff retry, and a timeout
// wrapper. Intended for git operations, external checks, and outbound
// webhook delivery.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when calls are rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTimeout is returned when an operation exceeds its deadline.
var ErrTimeout = errors.New("operation timed out")

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// Breaker is a three-state circuit breaker: closed → open after
// consecutive failures, open → half-open after the recovery timeout,
// half-open → closed after consecutive successes (or back to open on
// any failure).
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	now              func() time.Time

	mu          sync.Mutex
	state       string
	failures    int
	successes   int
	lastFailure time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithFailureThreshold sets consecutive failures needed to open.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithRecoveryTimeout sets how long an open breaker waits before
// probing with half-open calls.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

// WithSuccessThreshold sets consecutive half-open successes needed to
// close.
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker builds a closed breaker with the given name.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		successThreshold: DefaultSuccessThreshold,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, transitioning open → half-open when
// the recovery timeout has elapsed.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() string {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// RecordSuccess counts a successful call against the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			slog.Info("circuit breaker closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// RecordFailure counts a failed call against the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		slog.Warn("circuit breaker re-opened from half_open", "breaker", b.name)
	} else if b.failures >= b.failureThreshold {
		b.state = StateOpen
		slog.Warn("circuit breaker opened", "breaker", b.name, "failures", b.failures)
	}
}

// Do runs fn through the breaker. An open breaker rejects the call
// with ErrCircuitOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if b.State() == StateOpen {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset returns the breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

// Retry defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0
)

// RetryPolicy describes bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the stock backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
	}
}

// Retry runs fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. The delay doubles (by BackoffFactor) after each
// failure, capped at MaxDelay. Returns the last error on exhaustion.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	if policy.BackoffFactor <= 1 {
		policy.BackoffFactor = DefaultBackoffFactor
	}

	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		slog.Warn("retrying after failure",
			"attempt", attempt, "max_attempts", policy.MaxAttempts,
			"delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		next := time.Duration(float64(delay) * policy.BackoffFactor)
		if next > policy.MaxDelay {
			next = policy.MaxDelay
		}
		delay = next
	}
	return lastErr
}

// WithTimeout runs fn with a deadline. If the deadline passes before fn
// returns, ErrTimeout is returned and fn's eventual result is dropped.
// fn receives the derived context and should honor its cancellation.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}
