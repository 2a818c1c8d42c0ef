// Package inmem implements the transport contract on an in-process broker.
// It exists for tests and local wiring: every queue is a bounded channel,
// topic routing follows the dot-separated wildcard rules of the messaging
// layer, and two independent Broker values model two separate backends.
package inmem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

// defaultQueueDepth bounds queues declared without an explicit MaxLength.
const defaultQueueDepth = 64

// Broker is one in-process backend. Connections from its driver share its
// queues; separate brokers share nothing.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Driver returns a driver whose connections attach to this broker.
func (b *Broker) Driver() transport.Driver {
	return &Driver{broker: b}
}

type item struct {
	env *contracts.Envelope
	at  time.Time
}

type queue struct {
	name     string
	ch       chan item
	owner    *Connection // non-nil for exclusive queues
	overflow transport.OverflowPolicy

	mu       sync.Mutex
	bindings []string
}

// Driver connects to one in-process broker.
type Driver struct {
	broker *Broker
}

// Name identifies the backend.
func (d *Driver) Name() string { return "inmem" }

// Connect attaches a new connection to the broker. It never fails.
func (d *Driver) Connect(ctx context.Context, params transport.ConnectionParams) (transport.Connection, error) {
	return &Connection{broker: d.broker, done: make(chan struct{})}, nil
}

// Connection is one attachment to an in-process broker.
type Connection struct {
	broker *Broker
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// DeclareQueue creates or revisits a queue. An exclusive declaration of a
// queue held by another connection fails with ErrQueueInUse.
func (c *Connection) DeclareQueue(ctx context.Context, spec transport.QueueSpec) (string, error) {
	if c.isClosed() {
		return "", transport.ErrConnectionClosed
	}

	name := spec.Name
	if name == "" {
		name = "inmem.q." + uuid.NewString()[:12]
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if q, ok := c.broker.queues[name]; ok {
		if spec.Exclusive && q.owner != nil && q.owner != c {
			return "", transport.ErrQueueInUse
		}
		if spec.Exclusive {
			q.owner = c
		}
		return name, nil
	}

	depth := spec.MaxLength
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &queue{
		name:     name,
		ch:       make(chan item, depth),
		overflow: spec.Overflow,
	}
	if spec.Exclusive {
		q.owner = c
	}
	c.broker.queues[name] = q
	return name, nil
}

// DeclareExchange is a no-op: routing happens directly on bindings.
func (c *Connection) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}
	return nil
}

// BindQueue subscribes the queue to a topic filter.
func (c *Connection) BindQueue(ctx context.Context, queueName, exchange, filter string) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queueName]
	c.broker.mu.Unlock()
	if !ok {
		return transport.ErrQueueNotFound
	}

	q.mu.Lock()
	q.bindings = append(q.bindings, filter)
	q.mu.Unlock()
	return nil
}

// Publish routes one envelope: straight to the named queue on the default
// exchange, to every queue with a matching binding otherwise. Messages to
// unknown queues are dropped, as a broker would without a mandatory flag.
func (c *Connection) Publish(ctx context.Context, target transport.Target, env *contracts.Envelope) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	dup := *env
	it := item{env: &dup, at: time.Now()}

	if target.Exchange == "" {
		c.broker.mu.Lock()
		q, ok := c.broker.queues[target.RoutingKey]
		c.broker.mu.Unlock()
		if ok {
			q.enqueue(it)
		}
		return nil
	}

	c.broker.mu.Lock()
	queues := make([]*queue, 0, len(c.broker.queues))
	for _, q := range c.broker.queues {
		queues = append(queues, q)
	}
	c.broker.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		matched := false
		for _, binding := range q.bindings {
			if topicMatch(binding, target.RoutingKey) {
				matched = true
				break
			}
		}
		q.mu.Unlock()
		if matched {
			q.enqueue(it)
		}
	}
	return nil
}

// enqueue applies the overflow policy when the queue is full: drop-head
// evicts the oldest message, reject-publish discards the new one.
func (q *queue) enqueue(it item) {
	select {
	case q.ch <- it:
		return
	default:
	}

	if q.overflow == transport.OverflowRejectPublish {
		return
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- it:
	default:
	}
}

// Consume delivers queued envelopes to the handler on a dedicated
// goroutine.
func (c *Connection) Consume(ctx context.Context, queueName string, handler transport.DeliveryHandler, opts transport.ConsumeOptions) (transport.Subscription, error) {
	if c.isClosed() {
		return nil, transport.ErrConnectionClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queueName]
	c.broker.mu.Unlock()
	if !ok {
		return nil, transport.ErrQueueNotFound
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case it := <-q.ch:
				handler(&delivery{env: it.env, broker: it.at})
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()

	return &subscription{stop: stop}, nil
}

type subscription struct {
	stop chan struct{}
	once sync.Once
}

func (s *subscription) Cancel() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// DeleteQueue removes the queue and its bindings.
func (c *Connection) DeleteQueue(ctx context.Context, name string) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.queues[name]; !ok {
		return transport.ErrQueueNotFound
	}
	delete(c.broker.queues, name)
	return nil
}

// Close detaches from the broker and releases exclusive queues. Safe to
// call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.broker.mu.Lock()
	for _, q := range c.broker.queues {
		if q.owner == c {
			q.owner = nil
		}
	}
	c.broker.mu.Unlock()
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// topicMatch applies dot-separated wildcard rules: "*" matches exactly one
// segment, "#" matches zero or more.
func topicMatch(filter, topic string) bool {
	return segmentsMatch(strings.Split(filter, "."), strings.Split(topic, "."))
}

func segmentsMatch(filter, topic []string) bool {
	if len(filter) == 0 {
		return len(topic) == 0
	}
	switch filter[0] {
	case "#":
		if segmentsMatch(filter[1:], topic) {
			return true
		}
		if len(topic) == 0 {
			return false
		}
		return segmentsMatch(filter, topic[1:])
	case "*":
		if len(topic) == 0 {
			return false
		}
		return segmentsMatch(filter[1:], topic[1:])
	default:
		if len(topic) == 0 || filter[0] != topic[0] {
			return false
		}
		return segmentsMatch(filter[1:], topic[1:])
	}
}

// delivery adapts one queued envelope. The enqueue instant stands in for
// the broker timestamp.
type delivery struct {
	env    *contracts.Envelope
	broker time.Time
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) BrokerTimestamp() time.Time {
	return d.broker
}

func (d *delivery) Ack() error {
	return nil
}
