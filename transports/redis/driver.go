// Package redis implements the transport contract on top of Redis using
// go-redis. RPC service addresses map to Redis lists fed with RPUSH and
// drained with BLPOP; topics map to native Redis PubSub channels, with
// pattern subscriptions standing in for binding filters. Envelopes travel
// as a JSON wire frame since Redis carries no message attributes of its own.
package redis

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/commlink-io/commlink-go/transport"
)

// Driver connects to Redis backends.
type Driver struct{}

// NewDriver returns the Redis driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name identifies the backend.
func (d *Driver) Name() string { return "redis" }

// Connect dials the server and verifies it with a ping. The virtual host is
// interpreted as the numeric database index ("/" selects database 0).
func (d *Driver) Connect(ctx context.Context, params transport.ConnectionParams) (transport.Connection, error) {
	db, err := databaseIndex(params.VHost)
	if err != nil {
		return nil, &transport.ConnectError{
			Backend:   "redis",
			Addr:      params.Addr(),
			Err:       err,
			Transient: false,
			Timestamp: time.Now(),
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:        params.Addr(),
		Username:    params.Username,
		Password:    params.Password,
		DB:          db,
		DialTimeout: params.SocketTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &transport.ConnectError{
			Backend:   "redis",
			Addr:      params.Addr(),
			Err:       err,
			Transient: isTransientDial(err),
			Timestamp: time.Now(),
		}
	}

	return newConnection(client), nil
}

// databaseIndex parses a vhost like "/" or "/2" into a database number.
func databaseIndex(vhost string) (int, error) {
	trimmed := strings.Trim(vhost, "/")
	if trimmed == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(trimmed)
	if err != nil || db < 0 {
		return 0, errors.New("redis: vhost must be a non-negative database index")
	}
	return db, nil
}

// isTransientDial reports whether a connect failure is worth retrying.
// Authentication and authorization refusals are permanent.
func isTransientDial(err error) bool {
	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "NOPERM") {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
