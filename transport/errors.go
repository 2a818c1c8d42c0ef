package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionClosed is returned by operations on a closed
	// connection.
	ErrConnectionClosed = errors.New("transport: connection is closed")

	// ErrQueueNotFound is returned when an operation names a queue the
	// backend does not know.
	ErrQueueNotFound = errors.New("transport: queue not found")

	// ErrQueueInUse is returned when an exclusive declaration collides
	// with an existing consumer. Endpoints map it to a duplicate-binding
	// failure.
	ErrQueueInUse = errors.New("transport: queue is in use")

	// ErrMaxAttemptsExceeded is returned by Dial when the reconnect
	// budget is exhausted.
	ErrMaxAttemptsExceeded = errors.New("transport: maximum connect attempts exceeded")
)

// ConnectError reports a failed connect attempt. The driver decides whether
// the failure is transient (broker unreachable, handshake timeout) or fatal
// (bad credentials, bad virtual host); callers retry only transient
// failures.
type ConnectError struct {
	Backend   string
	Addr      string
	Err       error
	Transient bool
	Timestamp time.Time
}

func (e *ConnectError) Error() string {
	state := "fatal"
	if e.Transient {
		state = "transient"
	}
	return fmt.Sprintf("transport: %s connect to %s failed (%s): %v", e.Backend, e.Addr, state, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is worth retrying. Consumed by the
// reliability retry policies.
func (e *ConnectError) IsRetryable() bool {
	return e.Transient
}

// IsTransient reports whether err is a connect failure worth retrying.
func IsTransient(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}
