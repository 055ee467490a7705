package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/procflow/pkg/events"
)

// RegisterAuditLogger writes every audit event received by sub to logger.
func RegisterAuditLogger(sub EventSubscriber, logger *slog.Logger) error {
	logger = logger.With("module", "audit")

	return sub.Handle(AllEvents, func(ctx context.Context, event *events.Event) error {
		attrs := []any{
			"event_id", event.ID,
			"event_type", event.Type,
			"timestamp", event.Timestamp,
		}

		if event.DefinitionID != "" {
			attrs = append(attrs, "definition_id", event.DefinitionID)
		}

		if event.ExecutionID != "" {
			attrs = append(attrs, "execution_id", event.ExecutionID)
		}

		if event.StepID != "" {
			attrs = append(attrs, "step_id", event.StepID)
		}

		if event.ResourceKey != "" {
			attrs = append(attrs, "resource_key", event.ResourceKey)
		}

		if event.Principal != "" {
			attrs = append(attrs, "principal", event.Principal)
		}

		if len(event.Data) > 0 {
			attrs = append(attrs, "data", event.Data)
		}

		logger.InfoContext(ctx, "audit event", attrs...)

		return nil
	})
}
