package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

func connect(t *testing.T, b *Broker) transport.Connection {
	t.Helper()
	conn, err := b.Driver().Connect(context.Background(), transport.DefaultConnectionParams())
	require.NoError(t, err)
	return conn
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter  string
		topic   string
		matches bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b.c", false},
		{"a.*", "a", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c.d", true},
		{"#", "anything", true},
		{"#", "", true},
		{"*.b", "a.b", true},
		{"*.b", "b", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.matches, topicMatch(tc.filter, tc.topic),
			"filter %q against %q", tc.filter, tc.topic)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	broker := NewBroker()
	conn := connect(t, broker)
	defer conn.Close()
	ctx := context.Background()

	queue, err := conn.DeclareQueue(ctx, transport.RPCQueueSpec("svc"))
	require.NoError(t, err)
	assert.Equal(t, "svc", queue)

	got := make(chan *contracts.Envelope, 1)
	sub, err := conn.Consume(ctx, queue, func(d transport.Delivery) {
		assert.False(t, d.BrokerTimestamp().IsZero())
		assert.NoError(t, d.Ack())
		got <- d.Envelope()
	}, transport.ConsumeOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	env := contracts.NewEnvelope([]byte("hi"), contracts.ContentTypeText)
	require.NoError(t, conn.Publish(ctx, transport.Target{RoutingKey: queue}, env))

	select {
	case received := <-got:
		assert.Equal(t, []byte("hi"), received.Payload)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestTopicRouting(t *testing.T) {
	broker := NewBroker()
	conn := connect(t, broker)
	defer conn.Close()
	ctx := context.Background()

	queue, err := conn.DeclareQueue(ctx, transport.TopicQueueSpec())
	require.NoError(t, err)
	require.NoError(t, conn.BindQueue(ctx, queue, "amq.topic", "sensors.*"))

	got := make(chan *contracts.Envelope, 2)
	sub, err := conn.Consume(ctx, queue, func(d transport.Delivery) {
		got <- d.Envelope()
	}, transport.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	defer sub.Cancel()

	matching := contracts.NewEnvelope([]byte("a"), contracts.ContentTypeText)
	other := contracts.NewEnvelope([]byte("b"), contracts.ContentTypeText)
	require.NoError(t, conn.Publish(ctx, transport.Target{Exchange: "amq.topic", RoutingKey: "sensors.temp"}, matching))
	require.NoError(t, conn.Publish(ctx, transport.Target{Exchange: "amq.topic", RoutingKey: "doors.front"}, other))

	select {
	case env := <-got:
		assert.Equal(t, []byte("a"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	select {
	case env := <-got:
		t.Fatalf("unexpected delivery %q", env.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExclusiveQueues(t *testing.T) {
	broker := NewBroker()
	first := connect(t, broker)
	defer first.Close()
	second := connect(t, broker)
	defer second.Close()
	ctx := context.Background()

	spec := transport.RPCQueueSpec("svc")
	spec.Exclusive = true

	_, err := first.DeclareQueue(ctx, spec)
	require.NoError(t, err)

	t.Run("second owner is rejected", func(t *testing.T) {
		_, err := second.DeclareQueue(ctx, spec)
		assert.ErrorIs(t, err, transport.ErrQueueInUse)
	})

	t.Run("redeclaration by the owner is fine", func(t *testing.T) {
		_, err := first.DeclareQueue(ctx, spec)
		assert.NoError(t, err)
	})

	t.Run("ownership is released on close", func(t *testing.T) {
		require.NoError(t, first.Close())
		_, err := second.DeclareQueue(ctx, spec)
		assert.NoError(t, err)
	})
}

func TestOverflowPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("drop-head evicts the oldest", func(t *testing.T) {
		broker := NewBroker()
		conn := connect(t, broker)
		defer conn.Close()

		queue, err := conn.DeclareQueue(ctx, transport.QueueSpec{
			Name:      "bounded",
			MaxLength: 2,
			Overflow:  transport.OverflowDropHead,
		})
		require.NoError(t, err)

		for _, body := range []string{"1", "2", "3"} {
			env := contracts.NewEnvelope([]byte(body), contracts.ContentTypeText)
			require.NoError(t, conn.Publish(ctx, transport.Target{RoutingKey: queue}, env))
		}

		got := make(chan string, 3)
		sub, err := conn.Consume(ctx, queue, func(d transport.Delivery) {
			got <- string(d.Envelope().Payload)
		}, transport.ConsumeOptions{AutoAck: true})
		require.NoError(t, err)
		defer sub.Cancel()

		assert.Equal(t, "2", <-got)
		assert.Equal(t, "3", <-got)
	})

	t.Run("reject-publish keeps the oldest", func(t *testing.T) {
		broker := NewBroker()
		conn := connect(t, broker)
		defer conn.Close()

		queue, err := conn.DeclareQueue(ctx, transport.QueueSpec{
			Name:      "strict",
			MaxLength: 2,
			Overflow:  transport.OverflowRejectPublish,
		})
		require.NoError(t, err)

		for _, body := range []string{"1", "2", "3"} {
			env := contracts.NewEnvelope([]byte(body), contracts.ContentTypeText)
			require.NoError(t, conn.Publish(ctx, transport.Target{RoutingKey: queue}, env))
		}

		got := make(chan string, 3)
		sub, err := conn.Consume(ctx, queue, func(d transport.Delivery) {
			got <- string(d.Envelope().Payload)
		}, transport.ConsumeOptions{AutoAck: true})
		require.NoError(t, err)
		defer sub.Cancel()

		assert.Equal(t, "1", <-got)
		assert.Equal(t, "2", <-got)
	})
}

func TestBrokerIsolation(t *testing.T) {
	one := NewBroker()
	two := NewBroker()
	ctx := context.Background()

	connOne := connect(t, one)
	defer connOne.Close()
	connTwo := connect(t, two)
	defer connTwo.Close()

	queue, err := connOne.DeclareQueue(ctx, transport.RPCQueueSpec("svc"))
	require.NoError(t, err)

	// The same name on the other broker is a different queue.
	_, err = connTwo.DeclareQueue(ctx, transport.RPCQueueSpec("svc"))
	require.NoError(t, err)

	env := contracts.NewEnvelope([]byte("x"), contracts.ContentTypeText)
	require.NoError(t, connTwo.Publish(ctx, transport.Target{RoutingKey: "svc"}, env))

	got := make(chan struct{}, 1)
	sub, err := connOne.Consume(ctx, queue, func(d transport.Delivery) {
		got <- struct{}{}
	}, transport.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case <-got:
		t.Fatal("message crossed brokers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteQueue(t *testing.T) {
	broker := NewBroker()
	conn := connect(t, broker)
	defer conn.Close()
	ctx := context.Background()

	queue, err := conn.DeclareQueue(ctx, transport.RPCQueueSpec("gone"))
	require.NoError(t, err)

	assert.NoError(t, conn.DeleteQueue(ctx, queue))
	assert.ErrorIs(t, conn.DeleteQueue(ctx, queue), transport.ErrQueueNotFound)

	_, err = conn.Consume(ctx, queue, func(transport.Delivery) {}, transport.ConsumeOptions{})
	assert.ErrorIs(t, err, transport.ErrQueueNotFound)
}

func TestClosedConnection(t *testing.T) {
	broker := NewBroker()
	conn := connect(t, broker)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	ctx := context.Background()
	_, err := conn.DeclareQueue(ctx, transport.RPCQueueSpec("x"))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)

	err = conn.Publish(ctx, transport.Target{RoutingKey: "x"}, contracts.NewEnvelope(nil, contracts.ContentTypeBytes))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}
