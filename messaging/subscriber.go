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
)

// rateSamplesMax bounds the arrival-rate history.
const rateSamplesMax = 100

// burstThreshold is the inter-arrival gap below which a message is treated
// as part of a duplicate burst and skipped for rate estimation.
const burstThreshold = 10 * time.Millisecond

// Handler receives one decoded message at a time from a Subscriber.
type Handler func(ctx context.Context, payload contracts.Payload, meta contracts.Metadata)

// EnvelopeHandler receives raw envelopes, bypassing payload decoding.
// Bridges consume through this path to keep payload bytes untouched.
type EnvelopeHandler func(ctx context.Context, env *contracts.Envelope, meta contracts.Metadata)

// Subscriber delivers topic messages to a handler and maintains a rolling
// arrival-rate estimate. It owns its transport connection; the delivery loop
// is the only reader.
type Subscriber struct {
	driver     transport.Driver
	params     transport.ConnectionParams
	topic      string
	handler    Handler
	rawHandler EnvelopeHandler
	exchange   string
	registry   *serialization.Registry
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	conn   transport.Connection
	sub    transport.Subscription
	queue  string
	closed bool
	done   chan struct{}

	// Arrival-rate state, guarded by rateMu. The delivery loop is the
	// single writer; Hz may be read from any goroutine.
	rateMu   sync.Mutex
	lastMsg  time.Time
	samples  []float64
	sampleAt int
	hz       float64
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberExchange overrides the topic exchange.
func WithSubscriberExchange(exchange string) SubscriberOption {
	return func(s *Subscriber) {
		s.exchange = exchange
	}
}

// WithSubscriberRegistry sets the codec registry.
func WithSubscriberRegistry(registry *serialization.Registry) SubscriberOption {
	return func(s *Subscriber) {
		s.registry = registry
	}
}

// WithRawHandler delivers raw envelopes instead of decoded payloads. The
// regular handler is ignored when set.
func WithRawHandler(h EnvelopeHandler) SubscriberOption {
	return func(s *Subscriber) {
		s.rawHandler = h
	}
}

// withSubscriberClock injects the clock used for rate estimation. Tests
// only.
func withSubscriberClock(now func() time.Time) SubscriberOption {
	return func(s *Subscriber) {
		s.now = now
	}
}

// NewSubscriber creates a subscriber bound to a topic filter. The handler is
// invoked for every delivered message, one at a time.
func NewSubscriber(driver transport.Driver, params transport.ConnectionParams, topic string, handler Handler, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		driver:   driver,
		params:   params,
		topic:    topic,
		handler:  handler,
		exchange: DefaultTopicExchange,
		registry: serialization.NewRegistry(),
		logger:   slog.Default(),
		now:      time.Now,
		samples:  make([]float64, 0, rateSamplesMax),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Topic returns the bound topic filter.
func (s *Subscriber) Topic() string { return s.topic }

// Hz returns the current arrival-rate estimate in messages per second.
func (s *Subscriber) Hz() float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.hz
}

// Connect dials the backend, declares a broker-named transient queue and
// binds it to the topic filter.
func (s *Subscriber) Connect(ctx context.Context) error {
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

	if err := conn.DeclareExchange(ctx, s.exchange, transport.ExchangeTopic); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", s.exchange, err)
	}

	queue, err := conn.DeclareQueue(ctx, transport.TopicQueueSpec())
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare subscription queue: %w", err)
	}

	if err := conn.BindQueue(ctx, queue, s.exchange, s.topic); err != nil {
		conn.Close()
		return fmt.Errorf("bind queue %q to %q: %w", queue, s.topic, err)
	}

	s.conn = conn
	s.queue = queue
	s.logger.Info("subscribed to topic", "topic", s.topic, "queue", queue)
	return nil
}

// Run starts consumption and blocks until the context is cancelled or Stop
// is called. Handler panics are logged; delivery of subsequent messages
// continues.
func (s *Subscriber) Run(ctx context.Context) error {
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
		s.deliver(ctx, d)
	}, transport.ConsumeOptions{AutoAck: true})
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

// deliver decodes one envelope, updates the rate estimate and invokes the
// handler.
func (s *Subscriber) deliver(ctx context.Context, d transport.Delivery) {
	env := d.Envelope()

	s.observeArrival()
	meta := contracts.MetadataFrom(env, d.BrokerTimestamp())

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber handler panicked",
				"topic", s.topic,
				"panic", r,
			)
		}
	}()

	if s.rawHandler != nil {
		s.rawHandler(ctx, env, meta)
		return
	}

	payload, err := s.registry.Decode(env.Payload, env.ContentType)
	if err != nil {
		// Payload degrades to raw bytes; the handler decides what to
		// do with it.
		s.logger.Error("could not decode message",
			"topic", s.topic,
			"contentType", env.ContentType,
			"error", err,
		)
	}

	if s.handler != nil {
		s.handler(ctx, payload, meta)
	}
}

// observeArrival feeds the inter-arrival interval into the bounded rate
// history. Arrivals closer than burstThreshold only advance the last-seen
// timestamp.
func (s *Subscriber) observeArrival() {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	ts := s.now()
	if !s.lastMsg.IsZero() {
		dt := ts.Sub(s.lastMsg)
		if dt < burstThreshold {
			s.lastMsg = ts
			return
		}

		sample := 1.0 / dt.Seconds()
		if len(s.samples) < rateSamplesMax {
			s.samples = append(s.samples, sample)
		} else {
			s.samples[s.sampleAt] = sample
			s.sampleAt = (s.sampleAt + 1) % rateSamplesMax
		}

		var sum float64
		var n int
		for _, v := range s.samples {
			if v != 0 {
				sum += v
				n++
			}
		}
		if n > 0 {
			s.hz = sum / float64(n)
		}
	}
	s.lastMsg = ts
}

// Stop tears the subscriber down: consumption stops, the transient queue is
// deleted and the connection closed. Safe to call more than once.
func (s *Subscriber) Stop() error {
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
