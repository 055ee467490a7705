package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/events"
)

// Sink accepts audit events. Emit never fails; delivery problems are logged by the sink.
type Sink interface {
	Emit(ctx context.Context, event events.Event)
}

// BusSink publishes audit events to an event bus.
type BusSink struct {
	bus    EventBus
	clock  clock.Clock
	logger *slog.Logger
}

func NewSink(bus EventBus, clk clock.Clock, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, clock: clk, logger: logger.With("module", "audit_sink")}
}

func (s *BusSink) Emit(ctx context.Context, event events.Event) {
	if event.ID == "" {
		event.ID = s.bus.GenerateID()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}

	err := s.bus.Publish(ctx, event.Key(), event)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish audit event",
			"event_type", event.Type,
			"key", event.Key(),
			"error", err)
	}
}

type discard struct{}

func (discard) Emit(context.Context, events.Event) {}

// Discard returns a Sink that drops every event.
func Discard() Sink {
	return discard{}
}
