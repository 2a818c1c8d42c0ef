package contracts

import (
	"fmt"
)

// PayloadKind identifies the variant held by a Payload.
type PayloadKind int

const (
	// KindRecord is a structured record, encoded as JSON on the wire.
	KindRecord PayloadKind = iota
	// KindText is a plain UTF-8 string.
	KindText
	// KindBinary is an opaque byte sequence, passed through unmodified.
	KindBinary
)

// String returns the kind name for logging.
func (k PayloadKind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ContentType maps a payload kind to its wire content type. The mapping is a
// pure function of the variant, resolved once at the call site.
func (k PayloadKind) ContentType() string {
	switch k {
	case KindText:
		return ContentTypeText
	case KindBinary:
		return ContentTypeBytes
	default:
		return ContentTypeJSON
	}
}

// Payload is the decoded form of an envelope body: exactly one of the three
// variants is populated, selected by Kind. The zero value is an empty record.
type Payload struct {
	kind   PayloadKind
	record map[string]interface{}
	text   string
	raw    []byte
}

// Record builds a structured-record payload.
func Record(fields map[string]interface{}) Payload {
	return Payload{kind: KindRecord, record: fields}
}

// Text builds a plain-text payload.
func Text(s string) Payload {
	return Payload{kind: KindText, text: s}
}

// Binary builds an opaque-bytes payload.
func Binary(b []byte) Payload {
	return Payload{kind: KindBinary, raw: b}
}

// Kind returns the populated variant.
func (p Payload) Kind() PayloadKind { return p.kind }

// Record returns the record fields. Nil for non-record payloads.
func (p Payload) Record() map[string]interface{} { return p.record }

// Text returns the text value. Empty for non-text payloads.
func (p Payload) Text() string { return p.text }

// Bytes returns the raw bytes. Nil for non-binary payloads.
func (p Payload) Bytes() []byte { return p.raw }

// Value returns the variant as an untyped value, suitable for handing to a
// codec.
func (p Payload) Value() interface{} {
	switch p.kind {
	case KindText:
		return p.text
	case KindBinary:
		return p.raw
	default:
		if p.record == nil {
			return map[string]interface{}{}
		}
		return p.record
	}
}

// PayloadFromValue wraps a decoded codec value back into a tagged payload.
// Unknown value shapes degrade to the binary variant so nothing is ever lost.
func PayloadFromValue(v interface{}) Payload {
	switch t := v.(type) {
	case map[string]interface{}:
		return Record(t)
	case string:
		return Text(t)
	case []byte:
		return Binary(t)
	case nil:
		return Record(nil)
	default:
		return Binary([]byte(fmt.Sprintf("%v", t)))
	}
}
