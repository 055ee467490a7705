package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/queue/redis"
)

// NewQueueStore returns the Redis store for redisURL, or the in-process store when it is
// empty. The returned function releases the store's connections.
func NewQueueStore(ctx context.Context, logger *slog.Logger, redisURL string, ttl time.Duration, clk clock.Clock) (queue.Store, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "using in-memory resource queue")

		return queue.NewMemoryStore(clk, ttl), func() error { return nil }, nil
	}

	client, err := redis.NewClient(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect resource queue: %w", err)
	}

	logger.InfoContext(ctx, "using redis resource queue", "addr", client.Options().Addr)

	return redis.NewStore(client, redis.Options{TTL: ttl, Clock: clk}), client.Close, nil
}
