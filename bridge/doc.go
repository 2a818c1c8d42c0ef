// Package bridge relays traffic between two independently configured
// broker backends. A TopicBridge forwards every message matching a source
// topic filter to a destination topic; an RPCBridge exposes a service
// address on the source backend and forwards each request to a service on
// the destination backend, returning the reply to the original caller.
//
// Bridges are byte-transparent: payload bytes, content type and content
// encoding pass through unmodified. Only routing addresses are translated.
// Each bridge exclusively owns its two endpoints and tears them down on
// Stop, destination first.
package bridge
