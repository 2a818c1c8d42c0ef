package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fatalError struct{}

func (fatalError) Error() string     { return "fatal" }
func (fatalError) IsRetryable() bool { return false }

func TestExponentialBackoff(t *testing.T) {
	t.Run("respects the attempt budget", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 2; i++ {
			ok, delay := eb.ShouldRetry(i, errors.New("transient"))
			assert.True(t, ok)
			assert.Greater(t, delay, time.Duration(0))
		}

		ok, delay := eb.ShouldRetry(2, errors.New("transient"))
		assert.False(t, ok)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("grows geometrically up to the cap", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{5, time.Second},
		}
		for _, tc := range tests {
			_, delay := eb.ShouldRetry(tc.attempt, errors.New("transient"))
			assert.Equal(t, tc.expected, delay)
		}
	})

	t.Run("does not retry errors marked fatal", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 5)

		ok, _ := eb.ShouldRetry(0, fatalError{})
		assert.False(t, ok)
	})

	t.Run("jitter keeps delay near the base", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			_, delay := eb.ShouldRetry(0, errors.New("transient"))
			assert.InDelta(t, float64(100*time.Millisecond), float64(delay), float64(15*time.Millisecond))
		}
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(25*time.Millisecond, 2)

	t.Run("constant delay", func(t *testing.T) {
		ok, delay := fd.ShouldRetry(0, errors.New("transient"))
		assert.True(t, ok)
		assert.Equal(t, 25*time.Millisecond, delay)
	})

	t.Run("budget applies", func(t *testing.T) {
		ok, _ := fd.ShouldRetry(1, errors.New("transient"))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns the last error when the budget is spent", func(t *testing.T) {
		last := errors.New("still broken")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			return last
		})

		assert.Equal(t, last, err)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			calls++
			cancel()
			return errors.New("transient")
		})

		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, calls)
	})
}
