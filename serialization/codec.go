// Package serialization maps envelope content types to the codecs that
// encode and decode payload values. A Registry resolves the codec for an
// incoming envelope and falls back to the default JSON codec when the
// content type is missing or unknown.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/commlink-io/commlink-go/contracts"
)

var (
	// ErrUnknownContentType is returned by Registry.Codec for content
	// types with no registered codec.
	ErrUnknownContentType = errors.New("serialization: unknown content type")
)

// Codec encodes values to wire bytes and back for one content type.
type Codec interface {
	// ContentType returns the content-type tag the codec serves.
	ContentType() string

	// Marshal encodes a payload value to wire bytes.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes wire bytes into a payload value.
	Unmarshal(data []byte) (interface{}, error)
}

// SerializationError reports a payload that could not be decoded under its
// declared content type. Receive loops log it and pass the payload through
// as raw bytes; it never aborts delivery.
type SerializationError struct {
	ContentType string
	Err         error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization: cannot decode %q payload: %v", e.ContentType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Registry maps content-type tags to codecs. The zero value is not usable;
// construct with NewRegistry, which installs the built-in JSON, text and
// raw-bytes codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry preloaded with the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(JSONCodec{})
	r.Register(TextCodec{})
	r.Register(BytesCodec{})
	return r
}

// Register adds or replaces the codec for its content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.ContentType()] = c
}

// Codec returns the codec registered for the content type.
func (r *Registry) Codec(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// Encode serializes a tagged payload, negotiating the content type from the
// payload variant.
func (r *Registry) Encode(p contracts.Payload) ([]byte, string, error) {
	contentType := p.Kind().ContentType()
	c, err := r.Codec(contentType)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Marshal(p.Value())
	if err != nil {
		return nil, "", fmt.Errorf("serialization: encode %s payload: %w", p.Kind(), err)
	}
	return data, contentType, nil
}

// Decode deserializes envelope bytes under the declared content type. A
// missing or unknown content type falls back to the default JSON codec. When
// decoding fails the payload is returned as raw bytes together with a
// SerializationError so the caller can report it without dropping the
// message.
func (r *Registry) Decode(data []byte, contentType string) (contracts.Payload, error) {
	c, err := r.Codec(contentType)
	if err != nil {
		c = JSONCodec{}
	}
	v, err := c.Unmarshal(data)
	if err != nil {
		return contracts.Binary(data), &SerializationError{ContentType: contentType, Err: err}
	}
	return contracts.PayloadFromValue(v), nil
}

// JSONCodec is the default codec: structured records as JSON objects.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return contracts.ContentTypeJSON }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte) (interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// TextCodec carries plain UTF-8 strings.
type TextCodec struct{}

func (TextCodec) ContentType() string { return contracts.ContentTypeText }

func (TextCodec) Marshal(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("text codec expects string, got %T", v)
	}
	return []byte(s), nil
}

func (TextCodec) Unmarshal(data []byte) (interface{}, error) {
	return string(data), nil
}

// BytesCodec passes opaque bytes through unmodified.
type BytesCodec struct{}

func (BytesCodec) ContentType() string { return contracts.ContentTypeBytes }

func (BytesCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes codec expects []byte, got %T", v)
	}
	return b, nil
}

func (BytesCodec) Unmarshal(data []byte) (interface{}, error) {
	return data, nil
}
