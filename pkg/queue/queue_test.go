package queue_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &queuetest.Suite{
		New: func(clk clock.Clock, ttl time.Duration) queue.Store {
			return queue.NewMemoryStore(clk, ttl)
		},
	})
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return queue.New(queue.NewMemoryStore(clock.Real(), queue.DefaultTTL), logger, queue.Options{
		PollInterval: 10 * time.Millisecond,
		RetryAfter:   15 * time.Second,
	})
}

func entry(resourceKey, source string) *models.QueueEntry {
	return &models.QueueEntry{ResourceKey: resourceKey, Payload: "run", Source: source}
}

func TestQueue_FourthConcurrentSubmitIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []queue.SubmitResult
		rejected []error
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := q.Submit(ctx, entry("r1", "exec"), true)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				rejected = append(rejected, err)

				return
			}

			admitted = append(admitted, result)
		}()
	}

	wg.Wait()

	require.Len(t, admitted, 3)
	require.Len(t, rejected, 1)

	full, ok := queue.AsQueueFull(rejected[0])
	require.True(t, ok)
	assert.Equal(t, "r1", full.ResourceKey)
	assert.Equal(t, 3, full.QueueLength)
	assert.Equal(t, 15*time.Second, full.RetryAfter)

	status, err := q.Status(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, status.Running)
	require.Len(t, status.Waiting, 2)
	assert.Equal(t, 3, status.MaxQueue)

	order := []string{status.Running.ID, status.Waiting[0].ID, status.Waiting[1].ID}

	for i, id := range order {
		release, err := q.Complete(ctx, "r1", id, true)
		require.NoError(t, err)
		assert.Equal(t, models.QueueEntryStatusCompleted, release.Released.Status)

		if i+1 < len(order) {
			require.NotNil(t, release.Promoted)
			assert.Equal(t, order[i+1], release.Promoted.ID)
		} else {
			assert.Nil(t, release.Promoted)
		}
	}
}

func TestQueue_AwaitReturnsWhenPromoted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newQueue(t)

	first, err := q.Submit(ctx, entry("r1", "first"), true)
	require.NoError(t, err)

	second, err := q.Submit(ctx, entry("r1", "second"), true)
	require.NoError(t, err)
	assert.Equal(t, models.QueueEntryStatusQueued, second.Status)

	done := make(chan *models.QueueEntry, 1)

	go func() {
		running, err := q.Await(ctx, "r1", second.Entry.ID)
		assert.NoError(t, err)
		done <- running
	}()

	select {
	case <-done:
		t.Fatal("await returned before the holder released")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = q.Complete(ctx, "r1", first.Entry.ID, false)
	require.NoError(t, err)

	select {
	case running := <-done:
		require.NotNil(t, running)
		assert.Equal(t, second.Entry.ID, running.ID)
		assert.Equal(t, models.QueueEntryStatusRunning, running.Status)
	case <-ctx.Done():
		t.Fatal("await never returned")
	}
}

func TestQueue_AwaitClearedEntry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := newQueue(t)

	_, err := q.Submit(ctx, entry("r1", "first"), true)
	require.NoError(t, err)

	second, err := q.Submit(ctx, entry("r1", "second"), true)
	require.NoError(t, err)

	errs := make(chan error, 1)

	go func() {
		_, err := q.Await(ctx, "r1", second.Entry.ID)
		errs <- err
	}()

	removed, err := q.Clear(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.ErrorIs(t, <-errs, queue.ErrEntryNotFound)
}

func TestQueue_AwaitHonoursContext(t *testing.T) {
	t.Parallel()

	q := newQueue(t)

	_, err := q.Submit(context.Background(), entry("r1", "first"), true)
	require.NoError(t, err)

	second, err := q.Submit(context.Background(), entry("r1", "second"), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = q.Await(ctx, "r1", second.Entry.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ForceRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)

	first, err := q.Submit(ctx, entry("r1", "first"), true)
	require.NoError(t, err)

	second, err := q.Submit(ctx, entry("r1", "second"), true)
	require.NoError(t, err)

	release, err := q.ForceRelease(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, release.Released.ID)
	assert.Equal(t, models.QueueEntryStatusFailed, release.Released.Status)
	assert.Equal(t, second.Entry.ID, release.Promoted.ID)

	_, err = q.Complete(ctx, "r1", first.Entry.ID, true)
	assert.True(t, queue.IsNotFound(err))
}

func TestQueue_SubmitAssignsID(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	e := entry("r1", "first")

	result, err := q.Submit(context.Background(), e, false)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, e.ID, result.Entry.ID)

	_, err = q.Submit(context.Background(), entry("r1", "second"), false)
	assert.ErrorIs(t, err, queue.ErrResourceBusy)
}

func TestQueueFullError(t *testing.T) {
	t.Parallel()

	err := &queue.QueueFullError{ResourceKey: "r1", QueueLength: 3, RetryAfter: time.Minute}

	assert.EqualError(t, err, `resource "r1" queue is full (3 entries), retry after 1m0s`)
	assert.True(t, queue.IsQueueFull(err))
	assert.False(t, queue.IsQueueFull(queue.ErrResourceBusy))
}
