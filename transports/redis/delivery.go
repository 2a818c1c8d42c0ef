package redis

import (
	"time"

	"github.com/commlink-io/commlink-go/contracts"
)

// delivery adapts one decoded wire frame. Redis reports no broker arrival
// time, and both list pops and PubSub messages are consumed destructively,
// so acknowledgement is a no-op.
type delivery struct {
	env *contracts.Envelope
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) BrokerTimestamp() time.Time {
	return time.Time{}
}

func (d *delivery) Ack() error {
	return nil
}
