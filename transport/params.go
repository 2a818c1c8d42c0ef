package transport

import (
	"fmt"
	"time"
)

// ConnectionParams configure one backend connection. They are immutable once
// an endpoint has been constructed; the connection lives as long as the
// endpoint that owns it.
type ConnectionParams struct {
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// ReconnectAttempts bounds connect retries before the failure is
	// surfaced to the caller.
	ReconnectAttempts int

	// RetryDelay is the base delay between connect attempts.
	RetryDelay time.Duration

	// SocketTimeout is the socket-level connection timeout.
	SocketTimeout time.Duration

	// BlockedTimeout tears the connection down when the broker keeps it
	// blocked longer than this. Zero disables the bound.
	BlockedTimeout time.Duration

	// Heartbeat is the keepalive interval negotiated with the broker.
	Heartbeat time.Duration

	// ChannelMax caps concurrent channels per connection.
	ChannelMax int
}

// DefaultConnectionParams returns the parameters for a local broker with
// default credentials.
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		Host:              "127.0.0.1",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		ReconnectAttempts: 5,
		RetryDelay:        2 * time.Second,
		SocketTimeout:     120 * time.Second,
		Heartbeat:         60 * time.Second,
		ChannelMax:        128,
	}
}

// Addr returns the host:port pair.
func (p ConnectionParams) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// String renders the parameters without credentials, for logging.
func (p ConnectionParams) String() string {
	return fmt.Sprintf("host=%s port=%d vhost=%s reconnectAttempts=%d retryDelay=%s",
		p.Host, p.Port, p.VHost, p.ReconnectAttempts, p.RetryDelay)
}

// OverflowPolicy selects what a bounded queue does when full.
type OverflowPolicy string

const (
	// OverflowDropHead evicts the oldest message.
	OverflowDropHead OverflowPolicy = "drop-head"
	// OverflowRejectPublish refuses the new message.
	OverflowRejectPublish OverflowPolicy = "reject-publish"
)

// Queue idle-expiry defaults. RPC queues linger longer than topic
// subscriptions so slow services do not lose their address between calls.
const (
	DefaultRPCQueueExpiry   = 10 * time.Minute
	DefaultTopicQueueExpiry = 5 * time.Minute
)

// QueueSpec describes a transient queue. Queues are created at endpoint
// startup and deleted at endpoint shutdown; nothing here survives a broker
// restart.
type QueueSpec struct {
	// Name of the queue; blank lets the broker assign one.
	Name string

	// Exclusive restricts the queue to the declaring connection.
	Exclusive bool

	// MaxLength caps queue depth. Zero means the backend default.
	MaxLength int

	// MessageTTL expires individual messages.
	MessageTTL time.Duration

	// Overflow selects the full-queue behavior.
	Overflow OverflowPolicy

	// Expires deletes the queue after this long without consumers.
	Expires time.Duration
}

// RPCQueueSpec returns the queue shape used for RPC service addresses.
func RPCQueueSpec(name string) QueueSpec {
	return QueueSpec{
		Name:       name,
		MaxLength:  10,
		MessageTTL: time.Minute,
		Overflow:   OverflowDropHead,
		Expires:    DefaultRPCQueueExpiry,
	}
}

// TopicQueueSpec returns the queue shape used for topic subscriptions. The
// broker assigns the name.
func TopicQueueSpec() QueueSpec {
	return QueueSpec{
		MaxLength:  10,
		MessageTTL: time.Minute,
		Overflow:   OverflowDropHead,
		Expires:    DefaultTopicQueueExpiry,
	}
}
