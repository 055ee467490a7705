// Package queue serializes access to shared external resources. Per resource key at most one
// entry runs at a time; the others wait in a bounded FIFO line.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultMaxQueue     = 3
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRetryAfter   = 30 * time.Second
)

// Options tune a Queue. Zero values take the defaults.
type Options struct {
	// MaxQueue bounds the running entry plus the waiting line.
	MaxQueue     int
	PollInterval time.Duration
	// RetryAfter is the hint carried by QueueFullError.
	RetryAfter time.Duration
}

// Queue is the admission service used by task steps and the operations surface.
type Queue struct {
	store  Store
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	signals map[string]chan struct{}
}

func New(store Store, logger *slog.Logger, opts Options) *Queue {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}

	return &Queue{
		store:   store,
		logger:  logger.With("module", "queue"),
		opts:    opts,
		signals: make(map[string]chan struct{}),
	}
}

func (q *Queue) MaxQueue() int {
	return q.opts.MaxQueue
}

// Submit admits entry for its resource. A free resource is claimed at once; a busy one
// queues the entry when waitIfBusy is set and capacity remains.
func (q *Queue) Submit(ctx context.Context, entry *models.QueueEntry, waitIfBusy bool) (SubmitResult, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	result, err := q.store.Submit(ctx, entry, SubmitOptions{WaitIfBusy: waitIfBusy, MaxQueue: q.opts.MaxQueue})
	if err != nil {
		if full, ok := AsQueueFull(err); ok {
			full.RetryAfter = q.opts.RetryAfter
			q.logger.WarnContext(ctx, "resource queue full",
				"resource_key", entry.ResourceKey,
				"queue_length", full.QueueLength,
				"source", entry.Source)
		}

		return SubmitResult{}, err
	}

	q.logger.DebugContext(ctx, "queue entry admitted",
		"resource_key", entry.ResourceKey,
		"entry_id", entry.ID,
		"status", result.Status,
		"position", result.Position)

	return result, nil
}

// Await blocks until entryID holds the resource. It returns ErrEntryNotFound when the entry
// was cleared or expired while waiting.
func (q *Queue) Await(ctx context.Context, resourceKey, entryID string) (*models.QueueEntry, error) {
	for {
		signal := q.signal(resourceKey)

		entry, err := q.store.Entry(ctx, resourceKey, entryID)
		if err != nil {
			return nil, err
		}

		if entry.Status == models.QueueEntryStatusRunning {
			return entry, nil
		}

		timer := time.NewTimer(q.opts.PollInterval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-signal:
		case <-timer.C:
		}

		timer.Stop()
	}
}

// Complete gives up the claim held by entryID, or its place in line, and promotes the next waiter.
func (q *Queue) Complete(ctx context.Context, resourceKey, entryID string, success bool) (Release, error) {
	release, err := q.store.Complete(ctx, resourceKey, entryID)
	if err != nil {
		return Release{}, err
	}

	if release.Released != nil {
		if success {
			release.Released.Status = models.QueueEntryStatusCompleted
		} else {
			release.Released.Status = models.QueueEntryStatusFailed
		}
	}

	q.broadcast(resourceKey)
	q.logRelease(ctx, "queue entry released", resourceKey, release)

	return release, nil
}

// Status returns the current holder and waiting line of a resource.
func (q *Queue) Status(ctx context.Context, resourceKey string) (*models.ResourceStatus, error) {
	status, err := q.store.Status(ctx, resourceKey)
	if err != nil {
		return nil, err
	}

	status.MaxQueue = q.opts.MaxQueue

	return status, nil
}

// Clear drops every waiting entry of a resource. The holder keeps its claim.
func (q *Queue) Clear(ctx context.Context, resourceKey string) (int, error) {
	removed, err := q.store.Clear(ctx, resourceKey)
	if err != nil {
		return 0, err
	}

	q.broadcast(resourceKey)
	q.logger.InfoContext(ctx, "resource queue cleared", "resource_key", resourceKey, "removed", removed)

	return removed, nil
}

// ForceRelease drops a stuck holder and promotes the next waiter.
func (q *Queue) ForceRelease(ctx context.Context, resourceKey string) (Release, error) {
	release, err := q.store.ForceRelease(ctx, resourceKey)
	if err != nil {
		return Release{}, err
	}

	if release.Released != nil {
		release.Released.Status = models.QueueEntryStatusFailed
	}

	q.broadcast(resourceKey)
	q.logRelease(ctx, "resource claim force released", resourceKey, release)

	return release, nil
}

// IsNotFound reports whether err means the entry is no longer known to the queue.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

func (q *Queue) logRelease(ctx context.Context, msg, resourceKey string, release Release) {
	attrs := []any{"resource_key", resourceKey}
	if release.Released != nil {
		attrs = append(attrs, "released", release.Released.ID, "status", release.Released.Status)
	}

	if release.Promoted != nil {
		attrs = append(attrs, "promoted", release.Promoted.ID)
	}

	q.logger.InfoContext(ctx, msg, attrs...)
}

func (q *Queue) signal(resourceKey string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.signals[resourceKey]
	if !ok {
		ch = make(chan struct{})
		q.signals[resourceKey] = ch
	}

	return ch
}

func (q *Queue) broadcast(resourceKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ch, ok := q.signals[resourceKey]; ok {
		close(ch)
		delete(q.signals, resourceKey)
	}
}
