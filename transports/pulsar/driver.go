// Package pulsar implements the transport contract on top of Apache Pulsar.
// Queues and topics both map to Pulsar topics: queue semantics come from
// shared subscriptions, topic broadcast from one exclusive subscription per
// subscriber. Envelope attributes travel as message properties, so payload
// bytes cross the broker untouched.
package pulsar

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/commlink-io/commlink-go/transport"
)

// Driver connects to Pulsar brokers.
type Driver struct{}

// NewDriver returns the Pulsar driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name identifies the backend.
func (d *Driver) Name() string { return "pulsar" }

// Connect builds the client. Pulsar dials lazily, so most failures surface
// on the first producer or consumer; client construction itself only rejects
// malformed parameters, which are fatal.
func (d *Driver) Connect(ctx context.Context, params transport.ConnectionParams) (transport.Connection, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               fmt.Sprintf("pulsar://%s", params.Addr()),
		ConnectionTimeout: params.SocketTimeout,
		OperationTimeout:  30 * time.Second,
	})
	if err != nil {
		return nil, &transport.ConnectError{
			Backend:   "pulsar",
			Addr:      params.Addr(),
			Err:       err,
			Transient: false,
			Timestamp: time.Now(),
		}
	}
	return newConnection(client), nil
}
