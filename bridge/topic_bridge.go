package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/messaging"
	"github.com/sony/gobreaker"
)

// TopicBridge republishes every message matching a source topic filter onto
// a destination topic. Payload bytes pass through untouched; republish
// failures are logged and the message dropped, never retried.
type TopicBridge struct {
	bridgeState

	spec    Spec
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	sub *messaging.Subscriber
	pub *messaging.Publisher

	stopOnce sync.Once
	stopErr  error
}

// NewTopicBridge creates a topic bridge from its specification. Nothing is
// dialed until Run.
func NewTopicBridge(spec Spec, opts ...Option) (*TopicBridge, error) {
	if spec.Kind == "" {
		spec.Kind = KindTopic
	}
	if err := spec.validate(KindTopic); err != nil {
		return nil, err
	}

	o := buildOptions(spec.Destination.Address, opts)
	b := &TopicBridge{
		spec:    spec,
		logger:  o.logger,
		breaker: gobreaker.NewCircuitBreaker(o.breaker),
	}

	b.sub = messaging.NewSubscriber(
		spec.Source.Driver, spec.Source.Params, spec.Source.Address, nil,
		messaging.WithRawHandler(b.relay),
		messaging.WithSubscriberLogger(o.logger),
	)
	b.pub = messaging.NewPublisher(
		spec.Destination.Driver, spec.Destination.Params, spec.Destination.Address,
		messaging.WithPublisherLogger(o.logger),
	)
	return b, nil
}

// Run connects both sides and relays until the context is cancelled or Stop
// is called. Any connect failure is fatal: nothing relays partially.
func (b *TopicBridge) Run(ctx context.Context) error {
	if !b.start() {
		return ErrAlreadyStarted
	}

	if err := b.sub.Connect(ctx); err != nil {
		b.setState(StateClosed)
		return fmt.Errorf("connect source: %w", err)
	}

	b.setState(StateConnectingDestination)
	if err := b.pub.Connect(ctx); err != nil {
		b.sub.Stop()
		b.setState(StateClosed)
		return fmt.Errorf("connect destination: %w", err)
	}

	b.setState(StateRelaying)
	b.logger.Info("topic bridge relaying",
		"sourceTopic", b.spec.Source.Address,
		"destinationTopic", b.spec.Destination.Address,
	)

	err := b.sub.Run(ctx)
	b.Stop()
	return err
}

// relay runs on the source delivery loop and republishes one raw envelope
// through the destination breaker.
func (b *TopicBridge) relay(ctx context.Context, env *contracts.Envelope, _ contracts.Metadata) {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.pub.PublishEnvelope(ctx, env)
	})
	if err == nil {
		return
	}

	if brokenCircuit(err) {
		b.logger.Warn("destination circuit open, message dropped",
			"sourceTopic", b.spec.Source.Address,
			"destinationTopic", b.spec.Destination.Address,
		)
		return
	}
	b.logger.Error("could not relay message",
		"sourceTopic", b.spec.Source.Address,
		"destinationTopic", b.spec.Destination.Address,
		"error", err,
	)
}

// Stop tears the bridge down, destination first. Safe to call more than
// once.
func (b *TopicBridge) Stop() error {
	b.stopOnce.Do(func() {
		b.setState(StateClosed)
		if err := b.pub.Close(); err != nil {
			b.stopErr = err
		}
		if err := b.sub.Stop(); err != nil && b.stopErr == nil {
			b.stopErr = err
		}
	})
	return b.stopErr
}
