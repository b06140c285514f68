//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATSContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func dialConnected(t *testing.T, url string) *NATSBus {
	t.Helper()

	b, err := DialNATS(url, 16, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.Eventually(t, b.conn.IsConnected, 5*time.Second, 20*time.Millisecond)
	return b
}

func TestIntegration_NATSPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	url := startNATSContainer(ctx, t)

	publisher := dialConnected(t, url)
	subscriber := dialConnected(t, url)

	// "motion.cmd" widens to motion.> on the server and is narrowed again here.
	sub, err := subscriber.Subscribe(ctx, "cmd.move", "motion.cmd")
	require.NoError(t, err)
	require.NoError(t, subscriber.conn.Flush())

	require.NoError(t, publisher.Publish("motion.bridge.event", map[string]any{"event": "ready"}))
	require.NoError(t, publisher.Publish("cmd.stop", map[string]any{"rid": "s1"}))
	require.NoError(t, publisher.Publish("cmd.move", map[string]any{"vx": 0.5, "rid": "m1"}, WithTimestamp()))
	require.NoError(t, publisher.Publish("motion.cmd", map[string]any{"type": "drive", "dir": "forward"}))
	require.NoError(t, publisher.conn.Flush())

	msg, ok := sub.Receive(ctx, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "cmd.move", msg.Topic)
	fields, ok := msg.Fields()
	require.True(t, ok)
	require.Equal(t, "m1", fields["rid"])
	require.Contains(t, fields, "ts")

	msg, ok = sub.Receive(ctx, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "motion.cmd", msg.Topic)

	_, ok = sub.Receive(ctx, 200*time.Millisecond)
	require.False(t, ok, "non-matching topics must be filtered")
}

func TestIntegration_NATSUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	url := startNATSContainer(ctx, t)
	b := dialConnected(t, url)

	sub, err := b.Subscribe(ctx, "devices.")
	require.NoError(t, err)
	require.NoError(t, b.conn.Flush())

	require.NoError(t, b.conn.Publish("devices.xgo", []byte("not json")))
	require.NoError(t, b.conn.Flush())

	msg, ok := sub.Receive(ctx, 2*time.Second)
	require.True(t, ok)
	require.True(t, msg.Undecodable)
}

func TestIntegration_NATSCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	url := startNATSContainer(ctx, t)
	b := dialConnected(t, url)

	sub, err := b.Subscribe(ctx, "cmd.")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after Close")
	}
	require.ErrorIs(t, b.Publish("cmd.move", map[string]any{"vx": 1}), ErrClosed)
}
