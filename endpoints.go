package commlink

import (
	"github.com/commlink-io/commlink-go/messaging"
	"github.com/commlink-io/commlink-go/transport"
)

// NewPublisher builds a topic publisher on the named backend.
func NewPublisher(backend Backend, params transport.ConnectionParams, topic string, options ...messaging.PublisherOption) (*messaging.Publisher, error) {
	driver, err := Driver(backend)
	if err != nil {
		return nil, err
	}
	return messaging.NewPublisher(driver, params, topic, options...), nil
}

// NewSubscriber builds a topic subscriber on the named backend.
func NewSubscriber(backend Backend, params transport.ConnectionParams, topic string, handler messaging.Handler, options ...messaging.SubscriberOption) (*messaging.Subscriber, error) {
	driver, err := Driver(backend)
	if err != nil {
		return nil, err
	}
	return messaging.NewSubscriber(driver, params, topic, handler, options...), nil
}

// NewRPCServer builds an RPC server on the named backend.
func NewRPCServer(backend Backend, params transport.ConnectionParams, address string, handler messaging.RequestHandler, options ...messaging.RPCServerOption) (*messaging.RPCServer, error) {
	driver, err := Driver(backend)
	if err != nil {
		return nil, err
	}
	return messaging.NewRPCServer(driver, params, address, handler, options...), nil
}

// NewRPCClient builds an RPC client on the named backend.
func NewRPCClient(backend Backend, params transport.ConnectionParams, address string, options ...messaging.RPCClientOption) (*messaging.RPCClient, error) {
	driver, err := Driver(backend)
	if err != nil {
		return nil, err
	}
	return messaging.NewRPCClient(driver, params, address, options...), nil
}
