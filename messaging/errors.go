package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/commlink-io/commlink-go/contracts"
)

var (
	// ErrNotConnected is returned by operations invoked before Connect.
	ErrNotConnected = errors.New("messaging: endpoint not connected")

	// ErrClosed is returned by operations on a stopped endpoint.
	ErrClosed = errors.New("messaging: endpoint is closed")

	// ErrDuplicateBinding is returned at RPC server startup when the
	// service address is already bound by another server instance and
	// exclusivity was requested.
	ErrDuplicateBinding = errors.New("messaging: rpc address already bound")

	// ErrResponseTimeout is the typed result of an RPC call that received
	// no matching reply within its deadline. It is a normal outcome, not
	// a transport failure.
	ErrResponseTimeout = errors.New("messaging: rpc response timeout")
)

// ResponseTimeoutError carries the address and deadline of a timed-out call.
// errors.Is(err, ErrResponseTimeout) matches it.
type ResponseTimeoutError struct {
	Address string
	Timeout time.Duration
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("messaging: rpc call to %q timed out after %s", e.Address, e.Timeout)
}

func (e *ResponseTimeoutError) Is(target error) bool {
	return target == ErrResponseTimeout
}

// TimeoutReply is the payload shape a timed-out call presents to remote
// callers, e.g. when a bridge forwards the outcome of a destination-side
// timeout.
func TimeoutReply() contracts.Payload {
	return contracts.Record(map[string]interface{}{
		"error": "RPC Response timeout",
	})
}

// errorReply builds the structured error response returned in place of a
// handler result.
func errorReply(message string, status int) contracts.Payload {
	return contracts.Record(map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
