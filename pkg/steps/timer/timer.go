// Package timer implements the step that pauses an execution for a fixed delay.
//
// The wait is persisted rather than slept: the first invocation records when the step may
// finish and returns wait, and the engine re-invokes the step once that time has come.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
)

type Handler struct {
	clock  clock.Clock
	logger *slog.Logger
}

var _ protocol.Handler = (*Handler)(nil)

func NewHandler(clk clock.Clock, logger *slog.Logger) *Handler {
	return &Handler{
		clock:  clk,
		logger: logger.With("module", "timer_step"),
	}
}

func (h *Handler) Execute(ctx context.Context, stepCtx *protocol.StepContext, stepConfig models.StepConfig) (protocol.Result, error) {
	config, err := timerConfig(stepConfig)
	if err != nil {
		return protocol.Result{}, err
	}

	delay, err := models.ParseDuration(config.Delay)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("timer delay: %w", err)
	}

	now := h.clock.Now()

	resumeAt, ok := protocol.ResumeAt(stepCtx.WaitMetadata())
	if !ok {
		resumeAt = now.Add(delay)

		h.logger.DebugContext(ctx, "timer armed",
			"execution_id", stepCtx.ExecutionID,
			"step_id", stepCtx.Step.ID,
			"resume_at", resumeAt)

		return protocol.Wait(map[string]any{
			protocol.ResumeAtKey: resumeAt.UTC().Format(time.RFC3339Nano),
			"delay":              config.Delay,
		}), nil
	}

	if now.Before(resumeAt) {
		return protocol.Wait(stepCtx.WaitMetadata()), nil
	}

	return protocol.Ok(map[string]any{
		"waited_seconds":  int(delay / time.Second),
		"delay_formatted": models.FormatDuration(delay),
	}), nil
}

func timerConfig(config models.StepConfig) (models.TimerConfig, error) {
	switch c := config.(type) {
	case models.TimerConfig:
		return c, nil
	case *models.TimerConfig:
		if c != nil {
			return *c, nil
		}
	}

	return models.TimerConfig{}, fmt.Errorf("%w: timer step got %T", protocol.ErrUnexpectedConfig, config)
}
