package mocks

import (
	"context"
	"slices"
	"sync"

	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
)

// RecordingSink keeps every emitted audit event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

var _ eventbus.Sink = (*RecordingSink)(nil)

func (s *RecordingSink) Emit(_ context.Context, event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
}

func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

// Types returns the emitted event types in order.
func (s *RecordingSink) Types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make([]events.EventType, 0, len(s.events))
	for _, event := range s.events {
		types = append(types, event.Type)
	}

	return types
}

// Count returns how many events of eventType were emitted.
func (s *RecordingSink) Count(eventType events.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, event := range s.events {
		if event.Type == eventType {
			count++
		}
	}

	return count
}
