package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/serialization"
	"github.com/commlink-io/commlink-go/transport"
)

// RequestHandler produces the reply payload for one decoded request.
// Returning an error yields a structured error reply; the server loop never
// propagates handler failures.
type RequestHandler func(ctx context.Context, req contracts.Payload, meta contracts.Metadata) (contracts.Payload, error)

// EnvelopeRequestHandler produces a raw reply envelope for a raw request
// envelope, bypassing payload decoding on both sides. Bridges serve through
// this path to keep payload bytes untouched.
type EnvelopeRequestHandler func(ctx context.Context, env *contracts.Envelope, meta contracts.Metadata) (*contracts.Envelope, error)

// RPCServer answers requests on one named service address. Requests are
// dispatched one at a time per connection: the consume prefetch is 1, and a
// request is acknowledged only after its reply send attempt completed.
type RPCServer struct {
	driver     transport.Driver
	params     transport.ConnectionParams
	address    string
	handler    RequestHandler
	rawHandler EnvelopeRequestHandler
	exclusive  bool
	registry   *serialization.Registry
	logger     *slog.Logger

	mu     sync.Mutex
	conn   transport.Connection
	sub    transport.Subscription
	queue  string
	closed bool
	done   chan struct{}
}

// RPCServerOption configures an RPCServer.
type RPCServerOption func(*RPCServer)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = logger
	}
}

// WithServerRegistry sets the codec registry.
func WithServerRegistry(registry *serialization.Registry) RPCServerOption {
	return func(s *RPCServer) {
		s.registry = registry
	}
}

// WithRawRequestHandler serves raw envelopes instead of decoded payloads.
// The regular handler is ignored when set.
func WithRawRequestHandler(h EnvelopeRequestHandler) RPCServerOption {
	return func(s *RPCServer) {
		s.rawHandler = h
	}
}

// WithExclusiveBinding makes startup fail with ErrDuplicateBinding when the
// address is already served by another instance. On by default.
func WithExclusiveBinding(exclusive bool) RPCServerOption {
	return func(s *RPCServer) {
		s.exclusive = exclusive
	}
}

// NewRPCServer creates a server bound to a service address. A nil handler
// answers every request with a not-implemented error reply.
func NewRPCServer(driver transport.Driver, params transport.ConnectionParams, address string, handler RequestHandler, options ...RPCServerOption) *RPCServer {
	s := &RPCServer{
		driver:    driver,
		params:    params,
		address:   address,
		handler:   handler,
		exclusive: true,
		registry:  serialization.NewRegistry(),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Address returns the bound service address.
func (s *RPCServer) Address() string { return s.address }

// Connect dials the backend and declares the service queue. With an
// exclusive binding, an address already held by another server fails here
// with ErrDuplicateBinding, before any consumption begins.
func (s *RPCServer) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}

	conn, err := transport.Dial(ctx, s.driver, s.params, s.logger)
	if err != nil {
		return err
	}

	spec := transport.RPCQueueSpec(s.address)
	spec.Exclusive = s.exclusive
	queue, err := conn.DeclareQueue(ctx, spec)
	if err != nil {
		conn.Close()
		if errors.Is(err, transport.ErrQueueInUse) {
			return fmt.Errorf("%w: %q", ErrDuplicateBinding, s.address)
		}
		return fmt.Errorf("declare rpc queue %q: %w", s.address, err)
	}

	s.conn = conn
	s.queue = queue
	s.logger.Info("rpc server bound", "address", s.address)
	return nil
}

// Run serves requests until the context is cancelled or Stop is called.
func (s *RPCServer) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn, queue := s.conn, s.queue
	done := s.done
	s.mu.Unlock()

	sub, err := conn.Consume(ctx, queue, func(d transport.Delivery) {
		s.serve(ctx, conn, d)
	}, transport.ConsumeOptions{Prefetch: 1})
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// serve processes one request envelope: decode, invoke, reply, ack. The
// acknowledgment happens after the reply send attempt, success or not.
func (s *RPCServer) serve(ctx context.Context, conn transport.Connection, d transport.Delivery) {
	env := d.Envelope()
	meta := contracts.MetadataFrom(env, d.BrokerTimestamp())

	var respEnv *contracts.Envelope
	if s.rawHandler != nil {
		respEnv = s.invokeRaw(ctx, env, meta)
	} else {
		req, err := s.registry.Decode(env.Payload, env.ContentType)
		if err != nil {
			// The request passes through as raw bytes; the
			// handler owns the fallback.
			s.logger.Error("could not decode request",
				"address", s.address,
				"contentType", env.ContentType,
				"error", err,
			)
		}
		respEnv = s.encodeReply(s.invoke(ctx, req, meta))
	}

	if env.ReplyTo != "" {
		if err := s.reply(ctx, conn, env, respEnv); err != nil {
			s.logger.Error("could not send rpc reply",
				"address", s.address,
				"replyTo", env.ReplyTo,
				"correlationId", env.CorrelationID,
				"error", err,
			)
		}
	} else {
		s.logger.Warn("rpc request without reply address dropped", "address", s.address)
	}

	if err := d.Ack(); err != nil {
		s.logger.Error("could not acknowledge request", "address", s.address, "error", err)
	}
}

// invoke runs the handler, converting failures and panics into structured
// error replies.
func (s *RPCServer) invoke(ctx context.Context, req contracts.Payload, meta contracts.Metadata) (resp contracts.Payload) {
	if s.handler == nil {
		return errorReply("Not Implemented", 501)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panicked", "address", s.address, "panic", r)
			resp = errorReply(fmt.Sprintf("Internal server error: %v", r), 500)
		}
	}()

	out, err := s.handler(ctx, req, meta)
	if err != nil {
		s.logger.Error("rpc handler failed", "address", s.address, "error", err)
		return errorReply(err.Error(), 500)
	}
	return out
}

// invokeRaw runs the raw envelope handler with the same failure conversion
// as invoke.
func (s *RPCServer) invokeRaw(ctx context.Context, env *contracts.Envelope, meta contracts.Metadata) (respEnv *contracts.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panicked", "address", s.address, "panic", r)
			respEnv = s.encodeReply(errorReply(fmt.Sprintf("Internal server error: %v", r), 500))
		}
	}()

	out, err := s.rawHandler(ctx, env, meta)
	if err != nil {
		s.logger.Error("rpc handler failed", "address", s.address, "error", err)
		return s.encodeReply(errorReply(err.Error(), 500))
	}
	return out
}

// encodeReply serializes a reply payload by its variant. Encode failures
// degrade to a structured error reply rather than dropping the response.
func (s *RPCServer) encodeReply(resp contracts.Payload) *contracts.Envelope {
	data, contentType, err := s.registry.Encode(resp)
	if err != nil {
		s.logger.Error("could not encode rpc reply", "address", s.address, "error", err)
		data, contentType, _ = s.registry.Encode(errorReply("Internal server error", 500))
	}
	return contracts.NewEnvelope(data, contentType)
}

// reply sends the response envelope to the request's reply address,
// carrying the original correlation id.
func (s *RPCServer) reply(ctx context.Context, conn transport.Connection, req, resp *contracts.Envelope) error {
	if resp == nil {
		resp = s.encodeReply(errorReply("Not Implemented", 501))
	}
	out := *resp
	out.CorrelationID = req.CorrelationID
	out.ReplyTo = ""

	target := transport.Target{Exchange: "", RoutingKey: req.ReplyTo}
	return conn.Publish(ctx, target, &out)
}

// Stop unbinds the address and closes the connection: consumption stops
// first, then the transient queue is deleted, then the connection closes.
// Safe to call more than once.
func (s *RPCServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if s.sub != nil {
		if err := s.sub.Cancel(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.sub = nil
	}
	if s.conn != nil {
		if s.queue != "" {
			if err := s.conn.DeleteQueue(ctx, s.queue); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.conn = nil
	}
	return firstErr
}
