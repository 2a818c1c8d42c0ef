package contracts

import (
	"time"
)

// Content types negotiated between endpoints. Backends that carry a
// content-type attribute must round-trip these values untouched.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeBytes = "application/octet-stream"
)

// DefaultContentEncoding is assumed whenever an envelope arrives without an
// explicit content encoding.
const DefaultContentEncoding = "utf8"

// Envelope is the unit of transfer between all components. Payload holds the
// encoded body; ContentType selects the decode strategy on the receiving
// side. CorrelationID and ReplyTo are set together for RPC traffic and both
// absent for plain topic traffic.
type Envelope struct {
	Payload         []byte `json:"payload"`
	ContentType     string `json:"contentType"`
	ContentEncoding string `json:"contentEncoding,omitempty"`

	// Timestamp is the producer-side construction time in milliseconds
	// since the epoch.
	Timestamp int64 `json:"timestamp"`

	CorrelationID string `json:"correlationId,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	AppID     string `json:"appId,omitempty"`

	// DeliveryMode is a backend-specific durability hint, opaque to the
	// core. Zero means the backend default.
	DeliveryMode uint8 `json:"deliveryMode,omitempty"`
}

// NewEnvelope builds an envelope around already-encoded payload bytes,
// stamping the producer timestamp and defaulting the content encoding.
func NewEnvelope(payload []byte, contentType string) *Envelope {
	return &Envelope{
		Payload:         payload,
		ContentType:     contentType,
		ContentEncoding: DefaultContentEncoding,
		Timestamp:       NowMillis(),
	}
}

// IsRPC reports whether the envelope participates in a request/reply
// exchange.
func (e *Envelope) IsRPC() bool {
	return e.CorrelationID != "" && e.ReplyTo != ""
}

// NowMillis returns the current wall clock in milliseconds since the epoch,
// rounded to the nearest millisecond.
func NowMillis() int64 {
	return time.Now().Add(500 * time.Microsecond).UnixMilli()
}

// Metadata is the out-of-band delivery information handed to handlers next
// to the decoded payload. BrokerTimestamp is the backend arrival time when
// the backend provides one, zero otherwise.
type Metadata struct {
	ContentType     string
	ContentEncoding string
	Timestamp       int64
	BrokerTimestamp int64
	CorrelationID   string
	ReplyTo         string
	DeliveryMode    uint8
}

// MetadataFrom extracts handler-visible metadata from an envelope and the
// broker arrival time reported by the transport.
func MetadataFrom(env *Envelope, brokerTime time.Time) Metadata {
	m := Metadata{
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		Timestamp:       env.Timestamp,
		CorrelationID:   env.CorrelationID,
		ReplyTo:         env.ReplyTo,
		DeliveryMode:    env.DeliveryMode,
	}
	if !brokerTime.IsZero() {
		m.BrokerTimestamp = brokerTime.UnixMilli()
	}
	return m
}
