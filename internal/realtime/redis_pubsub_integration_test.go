package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("skip redis pubsub test: cannot start redis container: %v", err)
	}
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(termCtx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisPubSubRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: startRedis(ctx, t)})
	t.Cleanup(func() { _ = client.Close() })

	ps := NewRedisPubSub(client, nil)
	id := uuid.New()
	got := make(chan string, 1)
	cancel, err := ps.SubscribeSession(id, func(event string, payload []byte) {
		got <- event + ":" + string(payload)
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.PublishSessionEvent(id, "state", []byte(`{"state":"recording"}`)))
	select {
	case msg := <-got:
		assert.Equal(t, `state:{"state":"recording"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
