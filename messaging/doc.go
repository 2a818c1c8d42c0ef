// Package messaging implements the four endpoint roles of the commlink
// core: Publisher and Subscriber for topic traffic, RPCServer and RPCClient
// for correlated request/reply.
//
// Every endpoint exclusively owns one transport connection, obtained from a
// backend driver at Connect time and released by Stop/Close. The receive
// loop of an endpoint is the only reader of its connection; sends are
// marshaled onto the connection's send loop by the transport, so endpoints
// may be driven from any goroutine.
//
// An RPCClient keeps a single private reply queue and supports exactly one
// outstanding call at a time; callers that need concurrent calls create one
// client per in-flight request. This restriction is part of the contract,
// not an implementation accident.
package messaging
