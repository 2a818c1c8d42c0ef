// Package amqp implements the transport contract on top of RabbitMQ using
// rabbitmq/amqp091-go. Queues are declared transient with bounded length and
// per-message TTL; the broker's millisecond timestamp header is surfaced on
// every delivery.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/commlink-io/commlink-go/transport"
)

// timestampHeader carries the publisher clock in milliseconds. The standard
// AMQP timestamp property only has second precision.
const timestampHeader = "timestamp_in_ms"

// Driver connects to RabbitMQ brokers.
type Driver struct{}

// NewDriver returns the RabbitMQ driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name identifies the backend.
func (d *Driver) Name() string { return "amqp" }

// Connect dials the broker and opens the connection's channels. Errors are
// classified so that transport.Dial retries network failures and gives up
// immediately on authentication or access failures.
func (d *Driver) Connect(ctx context.Context, params transport.ConnectionParams) (transport.Connection, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s", params.Username, params.Password, params.Addr())

	cfg := amqp.Config{
		Vhost:      params.VHost,
		Heartbeat:  params.Heartbeat,
		ChannelMax: uint16(params.ChannelMax),
		Dial:       amqp.DefaultDial(params.SocketTimeout),
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, cfg)
		resCh <- dialResult{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, connectError(params, res.err)
		}
		return newConnection(res.conn, params)
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// connectError wraps a dial failure with its retry classification.
func connectError(params transport.ConnectionParams, err error) error {
	return &transport.ConnectError{
		Backend:   "amqp",
		Addr:      params.Addr(),
		Err:       err,
		Transient: isTransientDial(err),
		Timestamp: time.Now(),
	}
}

// isTransientDial reports whether a dial failure is worth retrying. Broker
// refusals carrying an access or authentication code are permanent; network
// level failures are not.
func isTransientDial(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed:
			return false
		}
		return amqpErr.Recover
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unrecognized failures default to retryable; the attempt bound still
	// applies.
	return true
}
