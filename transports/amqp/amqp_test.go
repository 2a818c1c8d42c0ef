package amqp

import (
	"errors"
	"net"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/transport"
)

func TestQueueArgs(t *testing.T) {
	t.Run("renders the full bound set", func(t *testing.T) {
		args := queueArgs(transport.RPCQueueSpec("svc"))

		assert.Equal(t, int32(10), args["x-max-length"])
		assert.Equal(t, int32(60000), args["x-message-ttl"])
		assert.Equal(t, "drop-head", args["x-overflow"])
		assert.Equal(t, int32(600000), args["x-expires"])
	})

	t.Run("topic subscriptions expire sooner", func(t *testing.T) {
		args := queueArgs(transport.TopicQueueSpec())
		assert.Equal(t, int32(300000), args["x-expires"])
	})

	t.Run("zero values stay unset", func(t *testing.T) {
		args := queueArgs(transport.QueueSpec{Name: "plain"})
		assert.Empty(t, args)
	})
}

func TestToPublishing(t *testing.T) {
	env := &contracts.Envelope{
		Payload:         []byte("body"),
		ContentType:     contracts.ContentTypeJSON,
		ContentEncoding: "utf8",
		Timestamp:       1700000000123,
		CorrelationID:   "c1",
		ReplyTo:         "q.reply",
		MessageID:       "m1",
		AppID:           "app",
		DeliveryMode:    2,
	}

	msg := toPublishing(env)

	assert.Equal(t, []byte("body"), msg.Body)
	assert.Equal(t, contracts.ContentTypeJSON, msg.ContentType)
	assert.Equal(t, "utf8", msg.ContentEncoding)
	assert.Equal(t, "c1", msg.CorrelationId)
	assert.Equal(t, "q.reply", msg.ReplyTo)
	assert.Equal(t, "m1", msg.MessageId)
	assert.Equal(t, "app", msg.AppId)
	assert.Equal(t, uint8(2), msg.DeliveryMode)
	assert.Equal(t, int64(1700000000123), msg.Headers[timestampHeader])
	assert.Equal(t, time.UnixMilli(1700000000123), msg.Timestamp)
}

func TestProduceTimestamp(t *testing.T) {
	t.Run("prefers the millisecond header", func(t *testing.T) {
		d := amqp.Delivery{
			Headers:   amqp.Table{timestampHeader: int64(1700000000123)},
			Timestamp: time.UnixMilli(1700000000000),
		}
		assert.Equal(t, int64(1700000000123), produceTimestamp(d))
	})

	t.Run("accepts narrower header types", func(t *testing.T) {
		d := amqp.Delivery{Headers: amqp.Table{timestampHeader: int32(12345)}}
		assert.Equal(t, int64(12345), produceTimestamp(d))
	})

	t.Run("falls back to the standard property", func(t *testing.T) {
		d := amqp.Delivery{Timestamp: time.UnixMilli(1700000000000)}
		assert.Equal(t, int64(1700000000000), produceTimestamp(d))
	})

	t.Run("zero without either", func(t *testing.T) {
		assert.Zero(t, produceTimestamp(amqp.Delivery{}))
	})
}

func TestNewDelivery(t *testing.T) {
	d := newDelivery(amqp.Delivery{
		Body:            []byte("payload"),
		ContentType:     contracts.ContentTypeText,
		ContentEncoding: "utf8",
		CorrelationId:   "c1",
		ReplyTo:         "q1",
		MessageId:       "m1",
		AppId:           "app",
		DeliveryMode:    1,
		Timestamp:       time.UnixMilli(1700000000000),
	}, true)

	env := d.Envelope()
	assert.Equal(t, []byte("payload"), env.Payload)
	assert.Equal(t, contracts.ContentTypeText, env.ContentType)
	assert.Equal(t, "c1", env.CorrelationID)
	assert.Equal(t, "q1", env.ReplyTo)
	assert.Equal(t, time.UnixMilli(1700000000000), d.BrokerTimestamp())

	t.Run("auto-ack delivery tolerates Ack", func(t *testing.T) {
		assert.NoError(t, d.Ack())
		assert.NoError(t, d.Ack())
	})
}

func TestIsTransientDial(t *testing.T) {
	t.Run("access refused is fatal", func(t *testing.T) {
		err := &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}
		assert.False(t, isTransientDial(err))
	})

	t.Run("not allowed is fatal", func(t *testing.T) {
		err := &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED"}
		assert.False(t, isTransientDial(err))
	})

	t.Run("network failures are transient", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		assert.True(t, isTransientDial(err))
	})
}

func TestMapChannelError(t *testing.T) {
	t.Run("resource locked means the queue is in use", func(t *testing.T) {
		err := mapChannelError("declare queue", "svc", &amqp.Error{Code: amqp.ResourceLocked})
		assert.True(t, errors.Is(err, transport.ErrQueueInUse))
	})

	t.Run("not found maps to the sentinel", func(t *testing.T) {
		err := mapChannelError("delete queue", "gone", &amqp.Error{Code: amqp.NotFound})
		assert.True(t, errors.Is(err, transport.ErrQueueNotFound))
	})

	t.Run("other failures pass through wrapped", func(t *testing.T) {
		cause := errors.New("channel gone")
		err := mapChannelError("bind queue", "q", cause)
		require.Error(t, err)
		assert.True(t, errors.Is(err, cause))
	})
}
