// Package contracts defines the canonical message envelope and payload
// types exchanged between endpoints, bridges and transport backends.
//
// An Envelope is the unit of transfer: opaque payload bytes plus the wire
// attributes every supported broker can round-trip (content type, content
// encoding, producer timestamp, correlation id, reply address). A Payload
// is the decoded, in-process view of an envelope body: a tagged union of
// record, text and binary variants that drives content-type negotiation.
package contracts
