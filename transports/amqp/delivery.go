package amqp

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/commlink-io/commlink-go/contracts"
)

// delivery adapts one AMQP delivery to the transport contract.
type delivery struct {
	env     *contracts.Envelope
	broker  time.Time
	autoAck bool

	ackOnce sync.Once
	ackErr  error
	raw     amqp.Delivery
}

func newDelivery(d amqp.Delivery, autoAck bool) *delivery {
	env := &contracts.Envelope{
		Payload:         d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Timestamp:       produceTimestamp(d),
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageID:       d.MessageId,
		UserID:          d.UserId,
		AppID:           d.AppId,
		DeliveryMode:    d.DeliveryMode,
	}
	return &delivery{
		env:     env,
		broker:  d.Timestamp,
		autoAck: autoAck,
		raw:     d,
	}
}

// produceTimestamp prefers the millisecond header over the second-precision
// standard property.
func produceTimestamp(d amqp.Delivery) int64 {
	if v, ok := d.Headers[timestampHeader]; ok {
		switch ts := v.(type) {
		case int64:
			return ts
		case int32:
			return int64(ts)
		case float64:
			return int64(ts)
		}
	}
	if !d.Timestamp.IsZero() {
		return d.Timestamp.UnixMilli()
	}
	return 0
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) BrokerTimestamp() time.Time {
	return d.broker
}

// Ack acknowledges the delivery once. A no-op under auto-ack consumption.
func (d *delivery) Ack() error {
	if d.autoAck {
		return nil
	}
	d.ackOnce.Do(func() {
		d.ackErr = d.raw.Ack(false)
	})
	return d.ackErr
}
