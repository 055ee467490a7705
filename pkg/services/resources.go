package services

import (
	"context"
	"log/slog"

	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/queue"
)

// Resources exposes the operator controls of the resource queue.
type Resources struct {
	queue  *queue.Queue
	sink   eventbus.Sink
	logger *slog.Logger
}

func NewResources(q *queue.Queue, sink eventbus.Sink, logger *slog.Logger) *Resources {
	if sink == nil {
		sink = eventbus.Discard()
	}

	return &Resources{queue: q, sink: sink, logger: logger.With("module", "resources")}
}

func (r *Resources) Status(ctx context.Context, resourceKey string) (*models.ResourceStatus, error) {
	return r.queue.Status(ctx, resourceKey)
}

// Clear drops every waiting entry of a resource. The running entry keeps its claim.
func (r *Resources) Clear(ctx context.Context, resourceKey, principal string) (int, error) {
	removed, err := r.queue.Clear(ctx, resourceKey)
	if err != nil {
		return 0, err
	}

	event := events.New(events.QueueCleared).With("removed", removed)
	event.ResourceKey = resourceKey
	event.Principal = principal
	r.sink.Emit(ctx, event)

	return removed, nil
}

// ForceRelease drops the claim of the running entry and promotes the next waiter.
func (r *Resources) ForceRelease(ctx context.Context, resourceKey, principal string) (queue.Release, error) {
	release, err := r.queue.ForceRelease(ctx, resourceKey)
	if err != nil {
		return release, err
	}

	event := events.New(events.QueueForceReleased)
	event.ResourceKey = resourceKey
	event.Principal = principal

	if release.Released != nil {
		event = event.With("released_entry_id", release.Released.ID)
	}

	if release.Promoted != nil {
		event = event.With("promoted_entry_id", release.Promoted.ID)
	}

	r.sink.Emit(ctx, event)

	return release, nil
}
