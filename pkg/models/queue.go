package models

import "time"

// QueueEntryStatus represents the state of a resource queue entry.
type QueueEntryStatus string

const (
	QueueEntryStatusQueued    QueueEntryStatus = "queued"
	QueueEntryStatusRunning   QueueEntryStatus = "running"
	QueueEntryStatusCompleted QueueEntryStatus = "completed"
	QueueEntryStatusFailed    QueueEntryStatus = "failed"
)

// QueueEntry is one claim, held or waiting, on a serialized resource.
type QueueEntry struct {
	ID          string           `json:"id"`
	ResourceKey string           `json:"resource_key"`
	Payload     string           `json:"payload"`
	Source      string           `json:"source"`
	QueuedAt    time.Time        `json:"queued_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	Status      QueueEntryStatus `json:"status"`
}

// ResourceStatus is a snapshot of one resource's holder and waiting line.
type ResourceStatus struct {
	ResourceKey string        `json:"resource_key"`
	Running     *QueueEntry   `json:"running,omitempty"`
	Waiting     []*QueueEntry `json:"waiting"`
	MaxQueue    int           `json:"max_queue"`
}

// Busy reports whether the resource is currently claimed.
func (s *ResourceStatus) Busy() bool {
	return s.Running != nil
}
