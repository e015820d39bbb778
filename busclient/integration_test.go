package busclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestIntegration_ConnectPublishSubscribe exercises the broadcast topic path
// against a real NATS server.
func TestIntegration_ConnectPublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	client, err := NewClient(natsURL, WithClientName("busclient-test"))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsConnected())

	received := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(ctx, "daq.epictopic", func(_ context.Context, data []byte) {
		received <- data
	}))

	require.NoError(t, client.Publish(ctx, "daq.epictopic", []byte(`{"msg_type":"start_run","run_id":"1"}`)))

	select {
	case data := <-received:
		assert.Contains(t, string(data), "start_run")
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered within timeout")
	}
}

// TestIntegration_WorkQueueDelivery verifies at-least-once delivery through a
// JetStream work-queue stream with a durable consumer.
func TestIntegration_WorkQueueDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainerWithJS(ctx, t)
	defer natsContainer.Terminate(ctx)

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	require.NoError(t, client.EnsureWorkQueue(ctx, "SWF_DATA", "swf.data"))
	// Creating the same stream again is a no-op
	require.NoError(t, client.EnsureWorkQueue(ctx, "SWF_DATA", "swf.data"))

	var delivered atomic.Int32
	require.NoError(t, client.ConsumeWork(ctx, "SWF_DATA", "data-agent", func(data []byte) error {
		delivered.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, client.PublishWork(ctx, "swf.data", []byte(`{"msg_type":"data_ready","run_id":"1","filename":"f"}`)))
	}

	require.Eventually(t, func() bool {
		return delivered.Load() == 5
	}, 5*time.Second, 50*time.Millisecond)
}

// TestIntegration_ForwardSubjectNeedsOwnStream covers the two-stage pipeline
// wiring: the processing queue's stream does not capture the done subject, so
// publishing there only works once the done stream exists too.
func TestIntegration_ForwardSubjectNeedsOwnStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainerWithJS(ctx, t)
	defer natsContainer.Terminate(ctx)

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	require.NoError(t, client.EnsureWorkQueue(ctx, "swf-processing", "swf.processing"))
	require.Error(t, client.PublishWork(ctx, "swf.done", []byte(`{"msg_type":"processing_complete"}`)),
		"no stream owns the done subject yet")

	require.NoError(t, client.EnsureWorkQueue(ctx, "swf-done", "swf.done"))
	assert.NoError(t, client.PublishWork(ctx, "swf.done", []byte(`{"msg_type":"processing_complete"}`)))
}

// TestIntegration_HealthCallback verifies the connectivity callback fires on
// connect.
func TestIntegration_HealthCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	var healthy atomic.Bool
	client, err := NewClient(natsURL, WithHealthChangeCallback(func(up bool) {
		healthy.Store(up)
	}))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, healthy.Load())
}

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	return startContainer(ctx, t, []string{"-m", "8222"})
}

func startNATSContainerWithJS(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	return startContainer(ctx, t, []string{"-js", "-m", "8222"})
}

func startContainer(ctx context.Context, t *testing.T, cmd []string) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          cmd,
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())

	// Give the server a beat to finish accepting connections
	time.Sleep(200 * time.Millisecond)

	return natsContainer, natsURL
}
