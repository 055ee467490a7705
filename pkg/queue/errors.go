package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull     = errors.New("resource queue is full")
	ErrResourceBusy  = errors.New("resource is busy")
	ErrEntryNotFound = errors.New("queue entry not found")
)

// QueueFullError is returned by Submit when the resource already holds MaxQueue entries.
// Nothing is recorded for the rejected entry.
type QueueFullError struct {
	ResourceKey string
	QueueLength int
	RetryAfter  time.Duration
}

func (e *QueueFullError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resource %q queue is full (%d entries), retry after %s", e.ResourceKey, e.QueueLength, e.RetryAfter)
	}

	return fmt.Sprintf("resource %q queue is full (%d entries)", e.ResourceKey, e.QueueLength)
}

func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// AsQueueFull extracts the QueueFullError from err, if any.
func AsQueueFull(err error) (*QueueFullError, bool) {
	var full *QueueFullError
	if errors.As(err, &full) {
		return full, true
	}

	return nil, false
}
