package pulsar

import (
	"strconv"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/commlink-io/commlink-go/contracts"
)

// Envelope attributes carried as message properties.
const (
	propContentType     = "contentType"
	propContentEncoding = "contentEncoding"
	propTimestamp       = "timestamp"
	propCorrelationID   = "correlationId"
	propReplyTo         = "replyTo"
	propMessageID       = "messageId"
	propUserID          = "userId"
	propAppID           = "appId"
	propDeliveryMode    = "deliveryMode"
)

// toMessage maps an envelope to a Pulsar message. The payload is the body
// unchanged; everything else rides in properties.
func toMessage(env *contracts.Envelope) *pulsar.ProducerMessage {
	props := map[string]string{
		propContentType: env.ContentType,
		propTimestamp:   strconv.FormatInt(env.Timestamp, 10),
	}
	if env.ContentEncoding != "" {
		props[propContentEncoding] = env.ContentEncoding
	}
	if env.CorrelationID != "" {
		props[propCorrelationID] = env.CorrelationID
	}
	if env.ReplyTo != "" {
		props[propReplyTo] = env.ReplyTo
	}
	if env.MessageID != "" {
		props[propMessageID] = env.MessageID
	}
	if env.UserID != "" {
		props[propUserID] = env.UserID
	}
	if env.AppID != "" {
		props[propAppID] = env.AppID
	}
	if env.DeliveryMode != 0 {
		props[propDeliveryMode] = strconv.Itoa(int(env.DeliveryMode))
	}

	return &pulsar.ProducerMessage{
		Payload:    env.Payload,
		Properties: props,
		EventTime:  time.UnixMilli(env.Timestamp),
	}
}

// delivery adapts one Pulsar message.
type delivery struct {
	env    *contracts.Envelope
	broker time.Time

	consumer pulsar.Consumer
	id       pulsar.MessageID
	ackOnce  sync.Once
	ackErr   error
}

func newDelivery(msg pulsar.Message, consumer pulsar.Consumer) *delivery {
	props := msg.Properties()
	env := &contracts.Envelope{
		Payload:         msg.Payload(),
		ContentType:     props[propContentType],
		ContentEncoding: props[propContentEncoding],
		CorrelationID:   props[propCorrelationID],
		ReplyTo:         props[propReplyTo],
		MessageID:       props[propMessageID],
		UserID:          props[propUserID],
		AppID:           props[propAppID],
	}
	if v, err := strconv.ParseInt(props[propTimestamp], 10, 64); err == nil {
		env.Timestamp = v
	}
	if v, err := strconv.Atoi(props[propDeliveryMode]); err == nil {
		env.DeliveryMode = uint8(v)
	}

	return &delivery{
		env:      env,
		broker:   msg.PublishTime(),
		consumer: consumer,
		id:       msg.ID(),
	}
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) BrokerTimestamp() time.Time {
	return d.broker
}

func (d *delivery) Ack() error {
	d.ackOnce.Do(func() {
		d.ackErr = d.consumer.AckID(d.id)
	})
	return d.ackErr
}
