//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/queue/queuetest"
	queueredis "github.com/dukex/procflow/pkg/queue/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func redisURL(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisStore(t *testing.T) {
	url := redisURL(t)

	client, err := queueredis.NewClient(context.Background(), url)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	suite.Run(t, &queuetest.Suite{
		New: func(clk clock.Clock, ttl time.Duration) queue.Store {
			return queueredis.NewStore(client, queueredis.Options{
				Prefix: "procflow:test:" + uuid.NewString() + ":",
				TTL:    ttl,
				Clock:  clk,
			})
		},
	})
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := queueredis.NewClient(context.Background(), "not-a-url")
	require.Error(t, err)
}
