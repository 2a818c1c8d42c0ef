package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/commlink-io/commlink-go/transport"
	"github.com/sony/gobreaker"
)

// Kind selects the traffic a bridge relays.
type Kind string

const (
	// KindRPC relays request/reply traffic between two service addresses.
	KindRPC Kind = "rpc"
	// KindTopic relays published messages between two topics.
	KindTopic Kind = "topic"
)

// State is the lifecycle position of a bridge.
type State int32

const (
	StateCreated State = iota
	StateConnectingSource
	StateConnectingDestination
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnectingSource:
		return "connecting-source"
	case StateConnectingDestination:
		return "connecting-destination"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Endpoint names one side of a bridge: which backend to dial and which
// address (service name or topic filter) to attach to on it.
type Endpoint struct {
	Driver  transport.Driver
	Params  transport.ConnectionParams
	Address string
}

// Spec describes a bridge: the kind of traffic, the two endpoints it owns,
// and the per-call deadline for the RPC variant.
type Spec struct {
	Kind        Kind
	Source      Endpoint
	Destination Endpoint

	// CallTimeout bounds each forwarded call of an RPC bridge. Zero
	// selects the messaging default.
	CallTimeout time.Duration
}

// ErrInvalidSpec is returned by bridge constructors for an incomplete or
// mismatched specification.
var ErrInvalidSpec = errors.New("bridge: invalid specification")

func (s Spec) validate(kind Kind) error {
	if s.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrInvalidSpec, s.Kind, kind)
	}
	if err := s.Source.validate("source"); err != nil {
		return err
	}
	return s.Destination.validate("destination")
}

func (e Endpoint) validate(side string) error {
	if e.Driver == nil {
		return fmt.Errorf("%w: %s driver is nil", ErrInvalidSpec, side)
	}
	if e.Address == "" {
		return fmt.Errorf("%w: %s address is empty", ErrInvalidSpec, side)
	}
	return nil
}

// ErrAlreadyStarted is returned by Run on a bridge that has run before.
// Bridges are single-use: construct a new one to relay again.
var ErrAlreadyStarted = errors.New("bridge: already started")

// Option configures a bridge of either kind.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	breaker    gobreaker.Settings
	breakerSet bool
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBreakerSettings overrides the circuit breaker guarding destination
// operations. The Name field is filled in when left empty.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(o *options) {
		o.breaker = settings
		o.breakerSet = true
	}
}

func buildOptions(destination string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.breakerSet {
		o.breaker = gobreaker.Settings{}
	}
	if o.breaker.Name == "" {
		o.breaker.Name = "bridge/" + destination
	}
	return o
}

// bridgeState is the shared lifecycle bookkeeping of both bridge variants.
type bridgeState struct {
	state atomic.Int32
}

func (b *bridgeState) setState(s State) {
	b.state.Store(int32(s))
}

func (b *bridgeState) start() bool {
	return b.state.CompareAndSwap(int32(StateCreated), int32(StateConnectingSource))
}

// State reports the current lifecycle position.
func (b *bridgeState) State() State {
	return State(b.state.Load())
}

// brokenCircuit reports whether the breaker rejected the operation without
// running it.
func brokenCircuit(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
