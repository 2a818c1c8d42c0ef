package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/messaging"
	"github.com/commlink-io/commlink-go/serialization"
	"github.com/sony/gobreaker"
)

// RPCBridge serves a service address on the source backend and forwards
// each request to a service on the destination backend. Requests serialize
// per bridge instance, so the bridge's own latency adds to every call. A
// destination-side timeout is answered, never left hanging: the caller
// receives the timeout reply payload.
type RPCBridge struct {
	bridgeState

	spec     Spec
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
	registry *serialization.Registry

	server *messaging.RPCServer
	client *messaging.RPCClient

	stopOnce sync.Once
	stopErr  error
}

// NewRPCBridge creates an RPC bridge from its specification. Nothing is
// dialed until Run.
func NewRPCBridge(spec Spec, opts ...Option) (*RPCBridge, error) {
	if spec.Kind == "" {
		spec.Kind = KindRPC
	}
	if err := spec.validate(KindRPC); err != nil {
		return nil, err
	}

	o := buildOptions(spec.Destination.Address, opts)
	b := &RPCBridge{
		spec:     spec,
		logger:   o.logger,
		breaker:  gobreaker.NewCircuitBreaker(o.breaker),
		registry: serialization.NewRegistry(),
	}

	b.server = messaging.NewRPCServer(
		spec.Source.Driver, spec.Source.Params, spec.Source.Address, nil,
		messaging.WithRawRequestHandler(b.forward),
		messaging.WithServerLogger(o.logger),
	)
	b.client = messaging.NewRPCClient(
		spec.Destination.Driver, spec.Destination.Params, spec.Destination.Address,
		messaging.WithClientLogger(o.logger),
	)
	return b, nil
}

// Run connects both sides and relays until the context is cancelled or Stop
// is called. Any connect failure is fatal: nothing relays partially.
func (b *RPCBridge) Run(ctx context.Context) error {
	if !b.start() {
		return ErrAlreadyStarted
	}

	if err := b.server.Connect(ctx); err != nil {
		b.setState(StateClosed)
		return fmt.Errorf("connect source: %w", err)
	}

	b.setState(StateConnectingDestination)
	if err := b.client.Connect(ctx); err != nil {
		b.server.Stop()
		b.setState(StateClosed)
		return fmt.Errorf("connect destination: %w", err)
	}

	b.setState(StateRelaying)
	b.logger.Info("rpc bridge relaying",
		"sourceAddress", b.spec.Source.Address,
		"destinationAddress", b.spec.Destination.Address,
	)

	err := b.server.Run(ctx)
	b.Stop()
	return err
}

// forward relays one raw request envelope to the destination service and
// returns its raw reply. Timeouts and an open breaker become structured
// reply payloads; other failures bubble up to the serving loop, which
// answers with its own error reply.
func (b *RPCBridge) forward(ctx context.Context, env *contracts.Envelope, _ contracts.Metadata) (*contracts.Envelope, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.client.CallEnvelope(ctx, env, b.spec.CallTimeout)
	})
	if err == nil {
		return res.(*contracts.Envelope), nil
	}

	if errors.Is(err, messaging.ErrResponseTimeout) {
		b.logger.Warn("destination call timed out",
			"sourceAddress", b.spec.Source.Address,
			"destinationAddress", b.spec.Destination.Address,
		)
		return b.encodeReply(messaging.TimeoutReply())
	}
	if brokenCircuit(err) {
		b.logger.Warn("destination circuit open, request rejected",
			"sourceAddress", b.spec.Source.Address,
			"destinationAddress", b.spec.Destination.Address,
		)
		return b.encodeReply(contracts.Record(map[string]interface{}{
			"error":  "Bridge destination unavailable",
			"status": 503,
		}))
	}
	return nil, err
}

func (b *RPCBridge) encodeReply(payload contracts.Payload) (*contracts.Envelope, error) {
	data, contentType, err := b.registry.Encode(payload)
	if err != nil {
		return nil, err
	}
	return contracts.NewEnvelope(data, contentType), nil
}

// Stop tears the bridge down, destination first. Safe to call more than
// once.
func (b *RPCBridge) Stop() error {
	b.stopOnce.Do(func() {
		b.setState(StateClosed)
		if err := b.client.Close(); err != nil {
			b.stopErr = err
		}
		if err := b.server.Stop(); err != nil && b.stopErr == nil {
			b.stopErr = err
		}
	})
	return b.stopErr
}
