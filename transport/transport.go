// Package transport defines the collaborator surface every concrete broker
// backend must satisfy: connecting, declaring queues and exchanges, binding,
// publishing, consuming and acknowledging.
//
// A Connection is effectively single-writer, single-reader: implementations
// marshal all sends onto one internal send loop per connection, and the
// consume loop is the only context reading inbound traffic. Callers never
// drive the underlying socket from their own goroutine.
package transport

import (
	"context"
	"time"

	"github.com/commlink-io/commlink-go/contracts"
)

// ExchangeKind is the routing topology a backend exposes for an address.
type ExchangeKind string

const (
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeDirect ExchangeKind = "direct"
	ExchangeFanout ExchangeKind = "fanout"
	// ExchangeDefault addresses a queue directly, without exchange
	// indirection.
	ExchangeDefault ExchangeKind = ""
)

// Target names the destination of a publish: an exchange (may be the
// default) and a routing key or queue name within it.
type Target struct {
	Exchange   string
	RoutingKey string
}

// Delivery is one inbound envelope together with its out-of-band broker
// metadata and its acknowledgement token.
type Delivery interface {
	// Envelope returns the transferred envelope.
	Envelope() *contracts.Envelope

	// BrokerTimestamp returns the backend arrival time when the backend
	// reports one, the zero time otherwise.
	BrokerTimestamp() time.Time

	// Ack acknowledges the delivery. Implementations must tolerate a
	// second call after auto-ack consumption.
	Ack() error
}

// DeliveryHandler receives inbound deliveries on the connection's consume
// loop. Handlers must not block on connection I/O of the same connection.
type DeliveryHandler func(d Delivery)

// Subscription is an active consume registration.
type Subscription interface {
	// Cancel stops delivery. Safe to call more than once.
	Cancel() error
}

// ConsumeOptions bound in-flight work and control acknowledgement.
type ConsumeOptions struct {
	// Prefetch caps outstanding unacknowledged deliveries. Zero means 1,
	// the RPC default: one request dispatched at a time per connection.
	Prefetch int

	// AutoAck acknowledges on arrival, for fire-and-forget topic
	// consumption.
	AutoAck bool

	// Exclusive requests sole consumption of the queue.
	Exclusive bool
}

// Connection owns one physical connection or channel to a broker. All
// endpoint I/O goes through it; it is exclusively owned by one endpoint.
type Connection interface {
	// DeclareQueue creates a transient queue and returns its name, which
	// is broker-assigned when spec.Name is blank.
	DeclareQueue(ctx context.Context, spec QueueSpec) (string, error)

	// DeclareExchange creates an exchange of the given kind. A no-op for
	// backends without exchange indirection.
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error

	// BindQueue subscribes a queue to an exchange under a binding filter.
	BindQueue(ctx context.Context, queue, exchange, filter string) error

	// Publish sends an envelope to a target. The send is marshaled onto
	// the connection's send loop; within one connection sends reach the
	// backend in the order they are marshaled.
	Publish(ctx context.Context, target Target, env *contracts.Envelope) error

	// Consume starts delivering envelopes from a queue to the handler.
	Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) (Subscription, error)

	// DeleteQueue removes a queue and its bindings.
	DeleteQueue(ctx context.Context, name string) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Driver constructs connections to one backend technology.
type Driver interface {
	// Name identifies the backend kind ("amqp", "redis", ...).
	Name() string

	// Connect establishes a single connection. Failures are reported as
	// *ConnectError so callers can distinguish transient from fatal
	// outcomes; the driver decides which is which.
	Connect(ctx context.Context, params ConnectionParams) (Connection, error)
}
