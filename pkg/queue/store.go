package queue

import (
	"context"

	"github.com/dukex/procflow/pkg/models"
)

// SubmitOptions control admission of one entry.
type SubmitOptions struct {
	WaitIfBusy bool
	MaxQueue   int
}

// SubmitResult tells where an admitted entry landed. Position is 0 for the running
// entry and the 1-based place in the waiting line otherwise.
type SubmitResult struct {
	Status   models.QueueEntryStatus
	Position int
	Entry    *models.QueueEntry
}

// Release reports the entry that gave up the resource and the waiter promoted in its place.
// Either may be nil.
type Release struct {
	Released *models.QueueEntry
	Promoted *models.QueueEntry
}

// Store keeps per-resource claims. Every operation is atomic per resource key and first
// reconciles expired state: a holder older than the TTL is dropped, waiters older than the
// TTL are discarded and the FIFO head is promoted when the resource is free.
type Store interface {
	// Submit claims the resource, appends the entry to the waiting line or rejects it
	// with a *QueueFullError or ErrResourceBusy.
	Submit(ctx context.Context, entry *models.QueueEntry, opts SubmitOptions) (SubmitResult, error)
	// Entry returns the current state of an entry, or ErrEntryNotFound.
	Entry(ctx context.Context, resourceKey, entryID string) (*models.QueueEntry, error)
	// Complete releases the claim held by entryID or removes it from the waiting line.
	Complete(ctx context.Context, resourceKey, entryID string) (Release, error)
	Status(ctx context.Context, resourceKey string) (*models.ResourceStatus, error)
	// Clear drops every waiting entry and returns how many were removed.
	Clear(ctx context.Context, resourceKey string) (int, error)
	// ForceRelease drops the current holder regardless of owner.
	ForceRelease(ctx context.Context, resourceKey string) (Release, error)
}
