// Package events defines the audit events emitted for definition, execution, approval,
// queue and schedule transitions.
package events

import "time"

type EventType string

// Topic carries every audit event.
const Topic = "procflow.audit"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Definition lifecycle events.
	DefinitionCreated   EventType = "definition.created"
	DefinitionUpdated   EventType = "definition.updated"
	DefinitionPublished EventType = "definition.published"
	DefinitionArchived  EventType = "definition.archived"

	// Execution lifecycle events.
	ExecutionStarted   EventType = "execution.started"
	ExecutionWaiting   EventType = "execution.waiting"
	ExecutionResumed   EventType = "execution.resumed"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"

	// Step events.
	StepStarted   EventType = "step.started"
	StepCompleted EventType = "step.completed"
	StepFailed    EventType = "step.failed"
	StepWaiting   EventType = "step.waiting"
	StepSkipped   EventType = "step.skipped"

	// Approval events.
	ApprovalRequested EventType = "approval.requested"
	ApprovalApproved  EventType = "approval.approved"
	ApprovalRejected  EventType = "approval.rejected"
	ApprovalExpired   EventType = "approval.expired"

	// Resource queue events.
	QueueClaimed       EventType = "queue.claimed"
	QueueEnqueued      EventType = "queue.enqueued"
	QueueReleased      EventType = "queue.released"
	QueueRejected      EventType = "queue.rejected"
	QueueCleared       EventType = "queue.cleared"
	QueueForceReleased EventType = "queue.force_released"

	// Schedule events.
	ScheduleRegistered   EventType = "schedule.registered"
	ScheduleDeregistered EventType = "schedule.deregistered"
	ScheduleFired        EventType = "schedule.fired"
	ScheduleFailed       EventType = "schedule.failed"
)

// Event is one audit record. Only the fields relevant to the event type are set.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	DefinitionID string         `json:"definition_id,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	ResourceKey  string         `json:"resource_key,omitempty"`
	Principal    string         `json:"principal,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func (e Event) GetType() EventType {
	return e.Type
}

// Key is the partition key: the execution, then the definition, then the resource.
func (e Event) Key() string {
	switch {
	case e.ExecutionID != "":
		return e.ExecutionID
	case e.DefinitionID != "":
		return e.DefinitionID
	default:
		return e.ResourceKey
	}
}

// New returns an event of the given type with Data initialised.
func New(eventType EventType) Event {
	return Event{Type: eventType, Data: make(map[string]any)}
}

// With sets a data field and returns the event.
func (e Event) With(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}

	e.Data[key] = value

	return e
}
