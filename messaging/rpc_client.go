package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/serialization"
	"github.com/commlink-io/commlink-go/transport"
	"github.com/google/uuid"
)

// DefaultCallTimeout bounds a Call when the caller passes no positive
// timeout.
const DefaultCallTimeout = 5 * time.Second

// RPCClient issues correlated calls to one service address through a single
// private reply queue. Exactly one call may be outstanding at a time per
// client; an internal mutex serializes callers, and logical concurrency
// requires one client instance per in-flight call.
type RPCClient struct {
	driver   transport.Driver
	params   transport.ConnectionParams
	address  string
	registry *serialization.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	conn       transport.Connection
	sub        transport.Subscription
	replyQueue string
	closed     bool

	// callMu serializes Call; pending is the reply slot of the single
	// outstanding call.
	callMu  sync.Mutex
	pending struct {
		sync.Mutex
		corrID string
		ch     chan *contracts.Envelope
	}

	// Latency observability, guarded by statMu.
	statMu    sync.Mutex
	calls     int
	lastDelay time.Duration
	meanDelay time.Duration
}

// RPCClientOption configures an RPCClient.
type RPCClientOption func(*RPCClient)

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithClientRegistry sets the codec registry.
func WithClientRegistry(registry *serialization.Registry) RPCClientOption {
	return func(c *RPCClient) {
		c.registry = registry
	}
}

// NewRPCClient creates a client for the given service address. The
// connection and private reply queue are established by Connect.
func NewRPCClient(driver transport.Driver, params transport.ConnectionParams, address string, options ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		driver:   driver,
		params:   params,
		address:  address,
		registry: serialization.NewRegistry(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Address returns the called service address.
func (c *RPCClient) Address() string { return c.address }

// Connect dials the backend, declares the private reply queue and starts
// the reply consumer.
func (c *RPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, err := transport.Dial(ctx, c.driver, c.params, c.logger)
	if err != nil {
		return err
	}

	spec := transport.RPCQueueSpec(fmt.Sprintf("%s.reply.%s", c.address, uuid.NewString()[:8]))
	spec.Exclusive = true
	replyQueue, err := conn.DeclareQueue(ctx, spec)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare reply queue: %w", err)
	}

	sub, err := conn.Consume(ctx, replyQueue, c.onReply, transport.ConsumeOptions{
		AutoAck:   true,
		Exclusive: true,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume reply queue %q: %w", replyQueue, err)
	}

	c.conn = conn
	c.sub = sub
	c.replyQueue = replyQueue
	return nil
}

// Call encodes the payload by its variant, sends it and blocks until the
// matching reply arrives or the timeout elapses. A timeout yields
// ErrResponseTimeout, a normal typed outcome the caller checks with
// errors.Is. Replies whose correlation id does not match the outstanding
// call are dropped silently.
func (c *RPCClient) Call(ctx context.Context, payload contracts.Payload, timeout time.Duration) (contracts.Payload, error) {
	data, contentType, err := c.registry.Encode(payload)
	if err != nil {
		return contracts.Payload{}, err
	}

	reply, err := c.CallEnvelope(ctx, contracts.NewEnvelope(data, contentType), timeout)
	if err != nil {
		return contracts.Payload{}, err
	}

	resp, err := c.registry.Decode(reply.Payload, reply.ContentType)
	if err != nil {
		c.logger.Error("could not decode rpc reply", "address", c.address, "error", err)
	}
	return resp, nil
}

// CallEnvelope sends a pre-built envelope and returns the raw reply
// envelope. The payload bytes, content type and content encoding of both
// directions pass through untouched; only correlation and reply routing are
// stamped. Bridges relay through this path to preserve payload fidelity.
func (c *RPCClient) CallEnvelope(ctx context.Context, env *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	replyQueue := c.replyQueue
	c.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	corrID := uuid.NewString()
	replyCh := make(chan *contracts.Envelope, 1)

	c.pending.Lock()
	c.pending.corrID = corrID
	c.pending.ch = replyCh
	c.pending.Unlock()

	defer func() {
		c.pending.Lock()
		c.pending.corrID = ""
		c.pending.ch = nil
		c.pending.Unlock()
	}()

	out := *env
	out.CorrelationID = corrID
	out.ReplyTo = replyQueue
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}

	start := time.Now()
	target := transport.Target{Exchange: "", RoutingKey: c.address}
	if err := conn.Publish(ctx, target, &out); err != nil {
		return nil, fmt.Errorf("send rpc request to %q: %w", c.address, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		c.recordDelay(time.Since(start))
		return reply, nil
	case <-timer.C:
		c.recordDelay(time.Since(start))
		return nil, &ResponseTimeoutError{Address: c.address, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onReply runs on the connection's consume loop and matches one reply
// against the outstanding call.
func (c *RPCClient) onReply(d transport.Delivery) {
	env := d.Envelope()

	c.pending.Lock()
	corrID, ch := c.pending.corrID, c.pending.ch
	c.pending.Unlock()

	if ch == nil || env.CorrelationID != corrID {
		// Stale or foreign reply; discarding prevents cross-talk
		// between calls.
		c.logger.Debug("dropping unmatched rpc reply",
			"address", c.address,
			"correlationId", env.CorrelationID,
		)
		return
	}

	select {
	case ch <- env:
	default:
	}
}

// recordDelay updates the call latency statistics.
func (c *RPCClient) recordDelay(d time.Duration) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	c.calls++
	c.lastDelay = d
	c.meanDelay += (d - c.meanDelay) / time.Duration(c.calls)
}

// Delay returns the wall-clock latency of the most recent call.
func (c *RPCClient) Delay() time.Duration {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.lastDelay
}

// MeanDelay returns the running mean call latency.
func (c *RPCClient) MeanDelay() time.Duration {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.meanDelay
}

// Close tears the client down: reply consumption stops, the private reply
// queue is deleted, the connection closes. Safe to call more than once.
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if c.sub != nil {
		if err := c.sub.Cancel(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.sub = nil
	}
	if c.conn != nil {
		if c.replyQueue != "" {
			if err := c.conn.DeleteQueue(ctx, c.replyQueue); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}
