package timer_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/steps/timer"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_WaitsThenCompletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	h := timer.NewHandler(clk, slog.New(slog.DiscardHandler))

	step := testutil.TimerStep("pause", "2s")
	stepCtx := &protocol.StepContext{
		ExecutionID: "exec-1",
		Step:        step,
		State:       &models.StepExecution{StepID: step.ID, Status: models.StepStatusRunning, Attempts: 1},
	}

	first, err := h.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, first.IsWait())

	resumeAt, ok := protocol.ResumeAt(first.Metadata)
	require.True(t, ok)
	assert.True(t, start.Add(2*time.Second).Equal(resumeAt))

	stepCtx.State.WaitMetadata = first.Metadata

	clk.Advance(time.Second)

	early, err := h.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, early.IsWait())
	assert.Equal(t, first.Metadata, early.Metadata)

	clk.Advance(time.Second)

	done, err := h.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, done.IsOk())
	assert.Equal(t, map[string]any{"waited_seconds": 2, "delay_formatted": "2s"}, done.Output)
}

func TestExecute_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		delay     string
		seconds   int
		formatted string
	}{
		{delay: "100ms", seconds: 0, formatted: "100ms"},
		{delay: "90s", seconds: 90, formatted: "90s"},
		{delay: "5m", seconds: 300, formatted: "5m"},
		{delay: "1d", seconds: 86400, formatted: "1d"},
	}

	for _, tt := range tests {
		t.Run(tt.delay, func(t *testing.T) {
			t.Parallel()

			clk := clock.NewFake(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))
			h := timer.NewHandler(clk, slog.New(slog.DiscardHandler))
			step := testutil.TimerStep("pause", tt.delay)
			stepCtx := &protocol.StepContext{Step: step, State: &models.StepExecution{StepID: step.ID}}

			wait, err := h.Execute(context.Background(), stepCtx, step.Config)
			require.NoError(t, err)

			stepCtx.State.WaitMetadata = wait.Metadata
			clk.Advance(48 * time.Hour)

			result, err := h.Execute(context.Background(), stepCtx, step.Config)
			require.NoError(t, err)
			require.True(t, result.IsOk())

			output := result.Output.(map[string]any)
			assert.Equal(t, tt.seconds, output["waited_seconds"])
			assert.Equal(t, tt.formatted, output["delay_formatted"])
		})
	}
}

func TestExecute_InvalidDelay(t *testing.T) {
	t.Parallel()

	h := timer.NewHandler(clock.Real(), slog.New(slog.DiscardHandler))
	step := testutil.TimerStep("pause", "soon")

	_, err := h.Execute(context.Background(), &protocol.StepContext{Step: step}, step.Config)
	require.ErrorIs(t, err, models.ErrInvalidDuration)
}
