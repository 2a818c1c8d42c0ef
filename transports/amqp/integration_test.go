//go:build integration

package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/commlink-io/commlink-go/contracts"
	"github.com/commlink-io/commlink-go/messaging"
	"github.com/commlink-io/commlink-go/transport"
)

// startRabbitMQ launches a throwaway broker and returns connection
// parameters pointing at it.
func startRabbitMQ(t *testing.T) transport.ConnectionParams {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort(nat.Port("5672")).WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	params := transport.DefaultConnectionParams()
	params.Host = host
	params.Port = port.Int()
	params.RetryDelay = 500 * time.Millisecond
	return params
}

func TestIntegrationPubSub(t *testing.T) {
	params := startRabbitMQ(t)
	driver := NewDriver()
	ctx := context.Background()

	received := make(chan contracts.Payload, 1)
	sub := messaging.NewSubscriber(driver, params, "it.sensors.*",
		func(ctx context.Context, p contracts.Payload, m contracts.Metadata) {
			received <- p
		},
	)
	require.NoError(t, sub.Connect(ctx))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sub.Run(runCtx)
	defer sub.Stop()

	pub := messaging.NewPublisher(driver, params, "it.sensors.temp")
	require.NoError(t, pub.Connect(ctx))
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, contracts.Record(map[string]interface{}{"value": 1.5})))

	select {
	case p := <-received:
		assert.Equal(t, 1.5, p.Record()["value"])
	case <-time.After(10 * time.Second):
		t.Fatal("message not delivered through the broker")
	}
}

func TestIntegrationRPC(t *testing.T) {
	params := startRabbitMQ(t)
	driver := NewDriver()
	ctx := context.Background()

	server := messaging.NewRPCServer(driver, params, "it.calc",
		func(ctx context.Context, req contracts.Payload, meta contracts.Metadata) (contracts.Payload, error) {
			n, _ := req.Record()["n"].(float64)
			return contracts.Record(map[string]interface{}{"doubled": n * 2}), nil
		},
	)
	require.NoError(t, server.Connect(ctx))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go server.Run(runCtx)
	defer server.Stop()

	client := messaging.NewRPCClient(driver, params, "it.calc")
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	resp, err := client.Call(ctx, contracts.Record(map[string]interface{}{"n": float64(21)}), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(42), resp.Record()["doubled"])

	t.Run("duplicate exclusive binding is rejected", func(t *testing.T) {
		second := messaging.NewRPCServer(driver, params, "it.calc", nil)
		err := second.Connect(ctx)
		assert.ErrorIs(t, err, messaging.ErrDuplicateBinding)
	})
}

func TestIntegrationBrokerTimestamp(t *testing.T) {
	params := startRabbitMQ(t)
	driver := NewDriver()
	ctx := context.Background()

	conn, err := transport.Dial(ctx, driver, params, nil)
	require.NoError(t, err)
	defer conn.Close()

	queue, err := conn.DeclareQueue(ctx, transport.RPCQueueSpec(fmt.Sprintf("it.ts.%d", time.Now().UnixNano())))
	require.NoError(t, err)

	envs := make(chan *contracts.Envelope, 1)
	_, err = conn.Consume(ctx, queue, func(d transport.Delivery) {
		envs <- d.Envelope()
		d.Ack()
	}, transport.ConsumeOptions{Prefetch: 1})
	require.NoError(t, err)

	sent := contracts.NewEnvelope([]byte(`{"a":1}`), contracts.ContentTypeJSON)
	require.NoError(t, conn.Publish(ctx, transport.Target{RoutingKey: queue}, sent))

	select {
	case got := <-envs:
		assert.Equal(t, sent.Timestamp, got.Timestamp)
	case <-time.After(10 * time.Second):
		t.Fatal("delivery not received")
	}
}
