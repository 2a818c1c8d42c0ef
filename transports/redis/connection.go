package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

// exclusiveLockPrefix namespaces the keys that stand in for exclusive queue
// ownership. Redis has no exclusive declaration of its own, so ownership is
// a SETNX lock with the queue's idle expiry.
const exclusiveLockPrefix = "commlink:exclusive:"

// listPollInterval is the BLPOP block duration of the list receive loop.
// Short enough that Cancel is responsive, long enough to keep the loop
// mostly parked server-side.
const listPollInterval = time.Second

// Connection is one Redis client used as a message backend. Sends are
// marshaled onto a single send loop; each subscription runs its own receive
// goroutine.
type Connection struct {
	client *redis.Client

	sendCh chan *sendRequest
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	bindings map[string]string // queue -> pubsub pattern
	locks    []string          // exclusive lock keys held
}

type sendRequest struct {
	run    func(ctx context.Context) error
	result chan error
}

func newConnection(client *redis.Client) *Connection {
	c := &Connection{
		client:   client,
		sendCh:   make(chan *sendRequest),
		done:     make(chan struct{}),
		bindings: make(map[string]string),
	}
	go c.sendLoop()
	return c
}

func (c *Connection) sendLoop() {
	ctx := context.Background()
	for {
		select {
		case req := <-c.sendCh:
			req.result <- req.run(ctx)
		case <-c.done:
			return
		}
	}
}

// DeclareQueue materializes a list-backed queue. A blank name gets a
// generated one; exclusivity is implemented as a lock key with the queue's
// idle expiry.
func (c *Connection) DeclareQueue(ctx context.Context, spec transport.QueueSpec) (string, error) {
	if c.isClosed() {
		return "", transport.ErrConnectionClosed
	}

	name := spec.Name
	if name == "" {
		name = "commlink.q." + uuid.NewString()[:12]
	}

	if spec.Exclusive {
		expiry := spec.Expires
		if expiry <= 0 {
			expiry = transport.DefaultRPCQueueExpiry
		}
		lock := exclusiveLockPrefix + name
		ok, err := c.client.SetNX(ctx, lock, "1", expiry).Result()
		if err != nil {
			return "", fmt.Errorf("acquire queue lock %q: %w", name, err)
		}
		if !ok {
			return "", fmt.Errorf("declare queue %q: %w", name, transport.ErrQueueInUse)
		}
		c.mu.Lock()
		c.locks = append(c.locks, lock)
		c.mu.Unlock()
	}

	if spec.MaxLength > 0 {
		if err := c.client.LTrim(ctx, name, int64(-spec.MaxLength), -1).Err(); err != nil {
			return "", fmt.Errorf("trim queue %q: %w", name, err)
		}
	}
	return name, nil
}

// DeclareExchange is a no-op: Redis PubSub has no exchange indirection.
func (c *Connection) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}
	return nil
}

// BindQueue records the pattern the queue's consumer will subscribe with.
// Routing filters translate to Redis glob patterns.
func (c *Connection) BindQueue(ctx context.Context, queue, exchange, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrConnectionClosed
	}
	c.bindings[queue] = globPattern(filter)
	return nil
}

// globPattern converts a routing filter to Redis glob syntax. The multi
// segment wildcard has no glob equivalent, so both wildcards widen to "*".
func globPattern(filter string) string {
	return strings.ReplaceAll(filter, "#", "*")
}

// Publish sends one envelope as a JSON frame. The default exchange targets
// a list; any named exchange targets a PubSub channel.
func (c *Connection) Publish(ctx context.Context, target transport.Target, env *contracts.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode wire frame: %w", err)
	}

	req := &sendRequest{result: make(chan error, 1)}
	if target.Exchange == "" {
		queue := target.RoutingKey
		req.run = func(ctx context.Context) error {
			pipe := c.client.TxPipeline()
			pipe.RPush(ctx, queue, frame)
			// Mirrors a per-message TTL: the list dies a minute after
			// the last push if nobody drains it.
			pipe.Expire(ctx, queue, time.Minute)
			_, err := pipe.Exec(ctx)
			return err
		}
	} else {
		channel := target.RoutingKey
		req.run = func(ctx context.Context) error {
			return c.client.Publish(ctx, channel, frame).Err()
		}
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

// Consume starts a receive loop for the queue: a pattern subscription when
// the queue was bound to a topic filter, a BLPOP loop otherwise.
func (c *Connection) Consume(ctx context.Context, queue string, handler transport.DeliveryHandler, opts transport.ConsumeOptions) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrConnectionClosed
	}
	pattern, bound := c.bindings[queue]
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())

	if bound {
		pubsub := c.client.PSubscribe(loopCtx, pattern)
		if _, err := pubsub.Receive(loopCtx); err != nil {
			cancel()
			pubsub.Close()
			return nil, fmt.Errorf("subscribe pattern %q: %w", pattern, err)
		}
		go c.pubsubLoop(loopCtx, pubsub, handler)
		return &subscription{cancel: cancel, pubsub: pubsub}, nil
	}

	go c.listLoop(loopCtx, queue, handler)
	return &subscription{cancel: cancel}, nil
}

func (c *Connection) pubsubLoop(ctx context.Context, pubsub *redis.PubSub, handler transport.DeliveryHandler) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if env := decodeFrame([]byte(msg.Payload)); env != nil {
				handler(&delivery{env: env})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) listLoop(ctx context.Context, queue string, handler transport.DeliveryHandler) {
	for {
		res, err := c.client.BLPop(ctx, listPollInterval, queue).Result()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			// redis.Nil is the poll timeout; anything else backs off
			// briefly before polling again.
			if err != redis.Nil {
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		if env := decodeFrame([]byte(res[1])); env != nil {
			handler(&delivery{env: env})
		}
	}
}

// decodeFrame parses a JSON wire frame. A frame that does not parse is
// surfaced as a raw binary envelope rather than dropped.
func decodeFrame(data []byte) *contracts.Envelope {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &contracts.Envelope{
			Payload:     data,
			ContentType: contracts.ContentTypeBytes,
		}
	}
	return &env
}

type subscription struct {
	cancel context.CancelFunc
	pubsub *redis.PubSub

	once sync.Once
	err  error
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		if s.pubsub != nil {
			s.err = s.pubsub.Close()
		}
	})
	return s.err
}

// DeleteQueue drops the backing list, its exclusivity lock and its binding.
func (c *Connection) DeleteQueue(ctx context.Context, name string) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}

	if err := c.client.Del(ctx, name, exclusiveLockPrefix+name).Err(); err != nil {
		return fmt.Errorf("delete queue %q: %w", name, err)
	}

	c.mu.Lock()
	delete(c.bindings, name)
	c.mu.Unlock()
	return nil
}

// Close releases held locks and the client. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	locks := c.locks
	c.locks = nil
	c.mu.Unlock()

	if len(locks) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.client.Del(ctx, locks...)
		cancel()
	}
	return c.client.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
