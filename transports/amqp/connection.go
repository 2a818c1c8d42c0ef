package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

// Connection is one AMQP connection with two channels: a topology channel
// for declarations, guarded by a mutex, and a publish channel owned by the
// send loop. All sends are marshaled onto the loop so the socket has a
// single writer.
type Connection struct {
	conn *amqp.Connection

	topoMu sync.Mutex
	topo   *amqp.Channel

	pub    *amqp.Channel
	sendCh chan *sendRequest
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

type sendRequest struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
	result     chan error
}

func newConnection(conn *amqp.Connection, params transport.ConnectionParams) (*Connection, error) {
	topo, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open topology channel: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	c := &Connection{
		conn:   conn,
		topo:   topo,
		pub:    pub,
		sendCh: make(chan *sendRequest),
		done:   make(chan struct{}),
	}
	go c.sendLoop()
	return c, nil
}

// sendLoop is the only writer of the publish channel.
func (c *Connection) sendLoop() {
	for {
		select {
		case req := <-c.sendCh:
			req.result <- c.pub.PublishWithContext(
				context.Background(),
				req.exchange,
				req.routingKey,
				false, // mandatory
				false, // immediate
				req.msg,
			)
		case <-c.done:
			return
		}
	}
}

// DeclareQueue declares a transient bounded queue and returns its name.
func (c *Connection) DeclareQueue(ctx context.Context, spec transport.QueueSpec) (string, error) {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.isClosed() {
		return "", transport.ErrConnectionClosed
	}

	q, err := c.topo.QueueDeclare(
		spec.Name,
		false, // durable
		false, // autoDelete, idle expiry is handled by x-expires
		spec.Exclusive,
		false, // noWait
		queueArgs(spec),
	)
	if err != nil {
		return "", mapChannelError("declare queue", spec.Name, err)
	}
	return q.Name, nil
}

// queueArgs renders the queue bounds as broker arguments.
func queueArgs(spec transport.QueueSpec) amqp.Table {
	args := amqp.Table{}
	if spec.MaxLength > 0 {
		args["x-max-length"] = int32(spec.MaxLength)
	}
	if spec.MessageTTL > 0 {
		args["x-message-ttl"] = int32(spec.MessageTTL / time.Millisecond)
	}
	if spec.Overflow != "" {
		args["x-overflow"] = string(spec.Overflow)
	}
	if spec.Expires > 0 {
		args["x-expires"] = int32(spec.Expires / time.Millisecond)
	}
	return args
}

// DeclareExchange declares a durable exchange of the given kind. The default
// exchange always exists.
func (c *Connection) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if name == "" || kind == transport.ExchangeDefault {
		return nil
	}

	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	err := c.topo.ExchangeDeclare(
		name,
		string(kind),
		true,  // durable, the built-in exchanges are
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return mapChannelError("declare exchange", name, err)
	}
	return nil
}

// BindQueue binds a queue to an exchange under a routing filter.
func (c *Connection) BindQueue(ctx context.Context, queue, exchange, filter string) error {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	if err := c.topo.QueueBind(queue, filter, exchange, false, nil); err != nil {
		return mapChannelError("bind queue", queue, err)
	}
	return nil
}

// Publish marshals one envelope onto the send loop and waits for the local
// send outcome. No broker acknowledgment is awaited.
func (c *Connection) Publish(ctx context.Context, target transport.Target, env *contracts.Envelope) error {
	req := &sendRequest{
		exchange:   target.Exchange,
		routingKey: target.RoutingKey,
		msg:        toPublishing(env),
		result:     make(chan error, 1),
	}

	select {
	case c.sendCh <- req:
	case <-c.done:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-c.done:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toPublishing maps an envelope to AMQP message properties. The millisecond
// producer timestamp travels in a header next to the second-precision
// standard property.
func toPublishing(env *contracts.Envelope) amqp.Publishing {
	return amqp.Publishing{
		Headers:         amqp.Table{timestampHeader: env.Timestamp},
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		DeliveryMode:    env.DeliveryMode,
		CorrelationId:   env.CorrelationID,
		ReplyTo:         env.ReplyTo,
		MessageId:       env.MessageID,
		AppId:           env.AppID,
		Timestamp:       time.UnixMilli(env.Timestamp),
		Body:            env.Payload,
	}
}

// Consume opens a dedicated channel for the queue and delivers inbound
// messages to the handler on its own goroutine.
func (c *Connection) Consume(ctx context.Context, queue string, handler transport.DeliveryHandler, opts transport.ConsumeOptions) (transport.Subscription, error) {
	if c.isClosed() {
		return nil, transport.ErrConnectionClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	if !opts.AutoAck {
		prefetch := opts.Prefetch
		if prefetch <= 0 {
			prefetch = 1
		}
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("set prefetch on %q: %w", queue, err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"", // broker-assigned consumer tag
		opts.AutoAck,
		opts.Exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, mapChannelError("consume", queue, err)
	}

	go func() {
		for d := range deliveries {
			handler(newDelivery(d, opts.AutoAck))
		}
	}()

	return &subscription{ch: ch}, nil
}

type subscription struct {
	ch   *amqp.Channel
	once sync.Once
	err  error
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.err = err
		}
	})
	return s.err
}

// DeleteQueue removes a queue together with its bindings and content.
func (c *Connection) DeleteQueue(ctx context.Context, name string) error {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	if _, err := c.topo.QueueDelete(name, false, false, false); err != nil {
		return mapChannelError("delete queue", name, err)
	}
	return nil
}

// Close stops the send loop and closes the connection with all its channels.
// Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mapChannelError converts broker refusals to the transport sentinels the
// endpoints react to.
func mapChannelError(op, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ResourceLocked, amqp.AccessRefused:
			return fmt.Errorf("%s %q: %w", op, name, transport.ErrQueueInUse)
		case amqp.NotFound:
			return fmt.Errorf("%s %q: %w", op, name, transport.ErrQueueNotFound)
		}
	}
	return fmt.Errorf("%s %q: %w", op, name, err)
}
