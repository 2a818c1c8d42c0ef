// Package reliability provides the bounded retry policies used when
// establishing backend connections. The original behavior this replaces was
// an unbounded retry on every connect failure; policies here always carry an
// attempt budget.
package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether an attempt should be retried and how long to
// wait first.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the
	// given zero-based attempt failed with err.
	ShouldRetry(attempt int, err error) (bool, time.Duration)

	// MaxAttempts returns the attempt budget.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay geometrically up to a cap, with ±15%
// jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts-1 {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, e.nextDelay(attempt)
}

// MaxAttempts implements RetryPolicy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

func (e *ExponentialBackoff) nextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

// FixedDelay waits the same interval between attempts.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Attempts-1 {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Retry executes fn under the policy until it succeeds, the policy gives up,
// or the context is cancelled. The last error is returned when the budget is
// spent.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryable checks the error's own retryability verdict. Errors that do
// not express one are retried; giving up is reserved for failures the driver
// explicitly marked fatal.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}
