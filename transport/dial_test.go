package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver scripts connect outcomes per attempt.
type fakeDriver struct {
	outcomes []error
	calls    int
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Connect(ctx context.Context, params ConnectionParams) (Connection, error) {
	idx := d.calls
	d.calls++
	if idx >= len(d.outcomes) {
		idx = len(d.outcomes) - 1
	}
	if err := d.outcomes[idx]; err != nil {
		return nil, err
	}
	return nil, nil
}

func transientErr() error {
	return &ConnectError{Backend: "fake", Addr: "x:1", Err: errors.New("refused"), Transient: true, Timestamp: time.Now()}
}

func fatalErr() error {
	return &ConnectError{Backend: "fake", Addr: "x:1", Err: errors.New("bad credentials"), Transient: false, Timestamp: time.Now()}
}

func fastParams(attempts int) ConnectionParams {
	p := DefaultConnectionParams()
	p.ReconnectAttempts = attempts
	p.RetryDelay = time.Millisecond
	return p
}

func TestDial(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		d := &fakeDriver{outcomes: []error{nil}}

		_, err := Dial(context.Background(), d, fastParams(3), nil)

		require.NoError(t, err)
		assert.Equal(t, 1, d.calls)
	})

	t.Run("retries transient failures within the budget", func(t *testing.T) {
		d := &fakeDriver{outcomes: []error{transientErr(), transientErr(), nil}}

		_, err := Dial(context.Background(), d, fastParams(5), nil)

		require.NoError(t, err)
		assert.Equal(t, 3, d.calls)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		d := &fakeDriver{outcomes: []error{transientErr()}}

		_, err := Dial(context.Background(), d, fastParams(3), nil)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMaxAttemptsExceeded))
		assert.Equal(t, 3, d.calls)
	})

	t.Run("fatal failures surface immediately", func(t *testing.T) {
		d := &fakeDriver{outcomes: []error{fatalErr()}}

		_, err := Dial(context.Background(), d, fastParams(5), nil)

		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrMaxAttemptsExceeded))
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.False(t, ce.Transient)
		assert.Equal(t, 1, d.calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		d := &fakeDriver{outcomes: []error{transientErr()}}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Dial(ctx, d, fastParams(5), nil)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestConnectError(t *testing.T) {
	t.Run("transient classification", func(t *testing.T) {
		assert.True(t, IsTransient(transientErr()))
		assert.False(t, IsTransient(fatalErr()))
		assert.False(t, IsTransient(errors.New("plain")))
	})

	t.Run("unwraps the cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := &ConnectError{Backend: "fake", Addr: "x:1", Err: cause, Transient: true}
		assert.True(t, errors.Is(err, cause))
	})
}
