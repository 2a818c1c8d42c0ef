package pulsar

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

// queueSubscription is the shared subscription name that gives a Pulsar
// topic queue semantics: every consumer under it competes for messages.
const queueSubscription = "commlink-queue"

// Connection is one Pulsar client. Producers are cached per topic and owned
// by the send loop, the socket's single writer.
type Connection struct {
	client pulsar.Client

	sendCh chan *sendRequest
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	bindings  map[string]string          // queue -> topics pattern
	exclusive map[string]pulsar.Consumer // queue -> eagerly created consumer
	producers map[string]pulsar.Producer // owned by the send loop
}

type sendRequest struct {
	topic  string
	msg    *pulsar.ProducerMessage
	result chan error
}

func newConnection(client pulsar.Client) *Connection {
	c := &Connection{
		client:    client,
		sendCh:    make(chan *sendRequest),
		done:      make(chan struct{}),
		bindings:  make(map[string]string),
		exclusive: make(map[string]pulsar.Consumer),
		producers: make(map[string]pulsar.Producer),
	}
	go c.sendLoop()
	return c
}

func (c *Connection) sendLoop() {
	ctx := context.Background()
	for {
		select {
		case req := <-c.sendCh:
			producer, err := c.producer(req.topic)
			if err != nil {
				req.result <- err
				continue
			}
			_, err = producer.Send(ctx, req.msg)
			req.result <- err
		case <-c.done:
			for _, p := range c.producers {
				p.Close()
			}
			return
		}
	}
}

// producer returns the cached producer for a topic, creating it on first
// use. Only the send loop calls this.
func (c *Connection) producer(topic string) (pulsar.Producer, error) {
	if p, ok := c.producers[topic]; ok {
		return p, nil
	}
	p, err := c.client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("create producer for %q: %w", topic, err)
	}
	c.producers[topic] = p
	return p, nil
}

// DeclareQueue names the backing topic. An exclusive declaration eagerly
// subscribes so that a second holder of the same address is rejected here,
// before any consumption begins.
func (c *Connection) DeclareQueue(ctx context.Context, spec transport.QueueSpec) (string, error) {
	if c.isClosed() {
		return "", transport.ErrConnectionClosed
	}

	name := spec.Name
	if name == "" {
		name = "commlink.q." + uuid.NewString()[:12]
	}

	if spec.Exclusive {
		consumer, err := c.client.Subscribe(pulsar.ConsumerOptions{
			Topic:            name,
			SubscriptionName: queueSubscription,
			Type:             pulsar.Exclusive,
		})
		if err != nil {
			if isConsumerBusy(err) {
				return "", fmt.Errorf("declare queue %q: %w", name, transport.ErrQueueInUse)
			}
			return "", fmt.Errorf("declare queue %q: %w", name, err)
		}
		c.mu.Lock()
		c.exclusive[name] = consumer
		c.mu.Unlock()
	}
	return name, nil
}

// isConsumerBusy reports whether a subscribe failure means the exclusive
// subscription is already held.
func isConsumerBusy(err error) bool {
	var perr *pulsar.Error
	if errors.As(err, &perr) {
		return perr.Result() == pulsar.ConsumerBusy
	}
	return strings.Contains(err.Error(), "ConsumerBusy")
}

// DeclareExchange is a no-op: Pulsar topics need no exchange indirection.
func (c *Connection) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}
	return nil
}

// BindQueue records the topics pattern the queue's consumer subscribes
// with. Routing filters translate to Pulsar regex patterns.
func (c *Connection) BindQueue(ctx context.Context, queue, exchange, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrConnectionClosed
	}
	c.bindings[queue] = topicsPattern(filter)
	return nil
}

// topicsPattern converts a routing filter to the regex Pulsar matches topic
// names against: "*" spans one dot-separated segment, "#" spans any suffix.
func topicsPattern(filter string) string {
	escaped := regexp.QuoteMeta(filter)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\#`, `.*`)
	return escaped
}

// Publish marshals one envelope onto the send loop. Payload bytes become the
// message body; every other envelope attribute travels as a property.
func (c *Connection) Publish(ctx context.Context, target transport.Target, env *contracts.Envelope) error {
	req := &sendRequest{
		topic:  target.RoutingKey,
		msg:    toMessage(env),
		result: make(chan error, 1),
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

// Consume starts delivering from the queue's backing topic: via the eagerly
// created exclusive consumer, via a pattern subscription for bound topic
// filters, or via a fresh shared subscription for plain queues.
func (c *Connection) Consume(ctx context.Context, queue string, handler transport.DeliveryHandler, opts transport.ConsumeOptions) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrConnectionClosed
	}
	consumer := c.exclusive[queue]
	delete(c.exclusive, queue)
	pattern, bound := c.bindings[queue]
	c.mu.Unlock()

	if consumer == nil {
		var err error
		if bound {
			// One exclusive subscription per subscriber queue gives
			// every subscriber its own copy.
			consumer, err = c.client.Subscribe(pulsar.ConsumerOptions{
				TopicsPattern:    pattern,
				SubscriptionName: queue,
				Type:             pulsar.Exclusive,
			})
		} else {
			consumer, err = c.client.Subscribe(pulsar.ConsumerOptions{
				Topic:            queue,
				SubscriptionName: queueSubscription,
				Type:             pulsar.Shared,
			})
		}
		if err != nil {
			if isConsumerBusy(err) {
				return nil, fmt.Errorf("consume %q: %w", queue, transport.ErrQueueInUse)
			}
			return nil, fmt.Errorf("consume %q: %w", queue, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	go c.receiveLoop(loopCtx, consumer, handler, opts.AutoAck)

	return &subscription{cancel: cancel, consumer: consumer}, nil
}

func (c *Connection) receiveLoop(ctx context.Context, consumer pulsar.Consumer, handler transport.DeliveryHandler, autoAck bool) {
	for {
		msg, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		d := newDelivery(msg, consumer)
		if autoAck {
			d.Ack()
		}
		handler(d)
	}
}

type subscription struct {
	cancel   context.CancelFunc
	consumer pulsar.Consumer

	once sync.Once
}

// Cancel removes the subscription from the broker and closes the consumer.
// Pulsar subscriptions are the durable half of a queue, so dropping one is
// what queue deletion means on this backend.
func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		s.consumer.Unsubscribe()
		s.consumer.Close()
	})
	return nil
}

// DeleteQueue is a no-op: the backing subscription is removed by Cancel,
// and topics are managed broker-side.
func (c *Connection) DeleteQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrConnectionClosed
	}
	if consumer, ok := c.exclusive[name]; ok {
		consumer.Unsubscribe()
		consumer.Close()
		delete(c.exclusive, name)
	}
	delete(c.bindings, name)
	return nil
}

// Close stops the send loop, closes cached producers and the client. Safe
// to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for _, consumer := range c.exclusive {
		consumer.Close()
	}
	c.exclusive = nil
	c.mu.Unlock()

	c.client.Close()
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
