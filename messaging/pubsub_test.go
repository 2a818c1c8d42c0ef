package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
	"github.com/commlink-io/commlink-go/transports/inmem"
)

func inmemDriver() transport.Driver {
	return inmem.NewBroker().Driver()
}

func testParams() transport.ConnectionParams {
	p := transport.DefaultConnectionParams()
	p.RetryDelay = time.Millisecond
	return p
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	driver := inmemDriver()
	ctx := context.Background()

	received := make(chan contracts.Payload, 1)
	metas := make(chan contracts.Metadata, 1)
	sub := NewSubscriber(driver, testParams(), "sensors.*", func(ctx context.Context, p contracts.Payload, m contracts.Metadata) {
		received <- p
		metas <- m
	})
	require.NoError(t, sub.Connect(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sub.Run(runCtx)

	pub := NewPublisher(driver, testParams(), "sensors.temp")
	require.NoError(t, pub.Connect(ctx))
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, contracts.Record(map[string]interface{}{"value": 21.5})))

	select {
	case p := <-received:
		assert.Equal(t, contracts.KindRecord, p.Kind())
		assert.Equal(t, 21.5, p.Record()["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	m := <-metas
	assert.Equal(t, contracts.ContentTypeJSON, m.ContentType)
	assert.NotZero(t, m.Timestamp)
	assert.NotZero(t, m.BrokerTimestamp)

	assert.NoError(t, sub.Stop())
}

func TestSubscriberTopicFilter(t *testing.T) {
	driver := inmemDriver()
	ctx := context.Background()

	var mu sync.Mutex
	var topicsSeen int
	sub := NewSubscriber(driver, testParams(), "fleet.*.status", func(ctx context.Context, p contracts.Payload, m contracts.Metadata) {
		mu.Lock()
		topicsSeen++
		mu.Unlock()
	})
	require.NoError(t, sub.Connect(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sub.Run(runCtx)
	defer sub.Stop()

	matching := NewPublisher(driver, testParams(), "fleet.alpha.status")
	require.NoError(t, matching.Connect(ctx))
	defer matching.Close()

	other := NewPublisher(driver, testParams(), "fleet.alpha.battery")
	require.NoError(t, other.Connect(ctx))
	defer other.Close()

	require.NoError(t, matching.Publish(ctx, contracts.Text("ok")))
	require.NoError(t, other.Publish(ctx, contracts.Text("ignored")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return topicsSeen == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the non-matching message a chance to arrive wrongly.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, topicsSeen)
	mu.Unlock()
}

func TestSubscriberRawHandler(t *testing.T) {
	driver := inmemDriver()
	ctx := context.Background()

	received := make(chan *contracts.Envelope, 1)
	sub := NewSubscriber(driver, testParams(), "raw.topic", nil,
		WithRawHandler(func(ctx context.Context, env *contracts.Envelope, m contracts.Metadata) {
			received <- env
		}),
	)
	require.NoError(t, sub.Connect(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sub.Run(runCtx)
	defer sub.Stop()

	pub := NewPublisher(driver, testParams(), "raw.topic")
	require.NoError(t, pub.Connect(ctx))
	defer pub.Close()

	payload := []byte{0x00, 0x01, 0xfe}
	env := contracts.NewEnvelope(payload, "application/x-custom")
	env.ContentEncoding = "binary"
	require.NoError(t, pub.PublishEnvelope(ctx, env))

	select {
	case got := <-received:
		assert.Equal(t, payload, got.Payload)
		assert.Equal(t, "application/x-custom", got.ContentType)
		assert.Equal(t, "binary", got.ContentEncoding)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestSubscriberRateEstimate(t *testing.T) {
	t.Run("converges on a steady stream", func(t *testing.T) {
		now := time.Unix(0, 0)
		sub := NewSubscriber(inmemDriver(), testParams(), "t", nil,
			withSubscriberClock(func() time.Time { return now }),
		)

		// 200 arrivals 50ms apart: 20 messages per second.
		for i := 0; i < 200; i++ {
			sub.observeArrival()
			now = now.Add(50 * time.Millisecond)
		}

		assert.InDelta(t, 20.0, sub.Hz(), 1.0)
	})

	t.Run("skips duplicate bursts", func(t *testing.T) {
		now := time.Unix(0, 0)
		sub := NewSubscriber(inmemDriver(), testParams(), "t", nil,
			withSubscriberClock(func() time.Time { return now }),
		)

		for i := 0; i < 50; i++ {
			sub.observeArrival()
			now = now.Add(100 * time.Millisecond)
			// A duplicate lands right behind every message.
			sub.observeArrival()
			now = now.Add(time.Millisecond)
		}

		// Bursts only advance the last-seen stamp; the estimate stays at
		// the 100ms cadence of the real stream.
		assert.InDelta(t, 10.0, sub.Hz(), 0.5)
	})

	t.Run("zero before any traffic", func(t *testing.T) {
		sub := NewSubscriber(inmemDriver(), testParams(), "t", nil)
		assert.Zero(t, sub.Hz())
	})
}

func TestPublisherLifecycle(t *testing.T) {
	t.Run("publish before connect fails", func(t *testing.T) {
		pub := NewPublisher(inmemDriver(), testParams(), "t")
		err := pub.Publish(context.Background(), contracts.Text("x"))
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("publish after close fails", func(t *testing.T) {
		pub := NewPublisher(inmemDriver(), testParams(), "t")
		require.NoError(t, pub.Connect(context.Background()))
		require.NoError(t, pub.Close())

		err := pub.Publish(context.Background(), contracts.Text("x"))
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		pub := NewPublisher(inmemDriver(), testParams(), "t")
		require.NoError(t, pub.Connect(context.Background()))
		assert.NoError(t, pub.Close())
		assert.NoError(t, pub.Close())
	})
}

func TestSubscriberStopIdempotent(t *testing.T) {
	sub := NewSubscriber(inmemDriver(), testParams(), "t", nil)
	require.NoError(t, sub.Connect(context.Background()))

	assert.NoError(t, sub.Stop())
	assert.NoError(t, sub.Stop())

	assert.ErrorIs(t, sub.Connect(context.Background()), ErrClosed)
}
