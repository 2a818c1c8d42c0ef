package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/serialization"
	"github.com/commlink-io/commlink-go/transport"
	"github.com/google/uuid"
)

// DefaultTopicExchange is the exchange topic endpoints attach to on backends
// with exchange indirection. Backends without exchanges ignore it.
const DefaultTopicExchange = "amq.topic"

// Publisher sends fire-and-forget messages to one named topic. It owns its
// transport connection; no broker acknowledgment is awaited and failed sends
// are surfaced only through the returned error and connection-level logging.
type Publisher struct {
	driver   transport.Driver
	params   transport.ConnectionParams
	topic    string
	exchange string
	registry *serialization.Registry
	logger   *slog.Logger
	appID    string

	mu     sync.Mutex
	conn   transport.Connection
	closed bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherExchange overrides the topic exchange.
func WithPublisherExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithPublisherRegistry sets the codec registry.
func WithPublisherRegistry(registry *serialization.Registry) PublisherOption {
	return func(p *Publisher) {
		p.registry = registry
	}
}

// WithPublisherAppID stamps outgoing envelopes with an application id.
func WithPublisherAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// NewPublisher creates a publisher for the topic on the given backend. The
// connection is established by Connect.
func NewPublisher(driver transport.Driver, params transport.ConnectionParams, topic string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		driver:   driver,
		params:   params,
		topic:    topic,
		exchange: DefaultTopicExchange,
		registry: serialization.NewRegistry(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Topic returns the topic the publisher sends to.
func (p *Publisher) Topic() string { return p.topic }

// Connect dials the backend and declares the topic exchange.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.conn != nil {
		return nil
	}

	conn, err := transport.Dial(ctx, p.driver, p.params, p.logger)
	if err != nil {
		return err
	}

	if err := conn.DeclareExchange(ctx, p.exchange, transport.ExchangeTopic); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", p.exchange, err)
	}

	p.conn = conn
	return nil
}

// Publish encodes the payload by its variant and hands the envelope to the
// connection send loop. The call returns once the send has been marshaled
// and executed locally; delivery is not confirmed.
func (p *Publisher) Publish(ctx context.Context, payload contracts.Payload) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, contentType, err := p.registry.Encode(payload)
	if err != nil {
		return err
	}

	env := contracts.NewEnvelope(data, contentType)
	env.MessageID = uuid.NewString()
	env.AppID = p.appID

	target := transport.Target{Exchange: p.exchange, RoutingKey: p.topic}
	if err := conn.Publish(ctx, target, env); err != nil {
		p.logger.Error("publish failed",
			"topic", p.topic,
			"contentType", contentType,
			"error", err,
		)
		return err
	}

	p.logger.Debug("published message", "topic", p.topic, "contentType", contentType)
	return nil
}

// PublishEnvelope forwards a pre-built envelope to the topic. Payload
// bytes, content type and content encoding pass through unmodified; only
// the routing target changes. Bridges relay through this path.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *contracts.Envelope) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	out := *env
	out.CorrelationID = ""
	out.ReplyTo = ""
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}

	target := transport.Target{Exchange: p.exchange, RoutingKey: p.topic}
	return conn.Publish(ctx, target, &out)
}

// Close releases the connection. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
