// Package eventbus carries audit events over a Watermill publisher and exposes the
// fire-and-forget Sink used by the engine and services.
package eventbus

import (
	"context"

	"github.com/dukex/procflow/pkg/events"
)

// AllEvents registers a handler for every event type without a dedicated handler.
const AllEvents events.EventType = "*"

// Event is anything published on the audit topic.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes an event under a partition key. Events sharing a key (one
// execution, one resource) keep their order on a partitioned broker.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches received audit events by type. Handlers are registered with
// Handle before Subscribe starts delivery.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event *events.Event) error

// EventBus is the audit transport owned by the server process.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
