package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResults(t *testing.T) {
	t.Parallel()

	ok := protocol.Ok(map[string]any{"value": 1})
	assert.True(t, ok.IsOk())
	assert.Nil(t, ok.Error)

	fail := protocol.FailWithDetails(models.ErrorCodeQueueFull, "busy", map[string]any{"retry_after_seconds": 30})
	assert.True(t, fail.IsFail())
	require.NotNil(t, fail.Error)
	assert.Equal(t, models.ErrorCodeQueueFull, fail.Error.Code)
	assert.Equal(t, 30, fail.Error.Details["retry_after_seconds"])

	metadata := map[string]any{"resume_at": "2025-01-01T00:00:00Z"}
	wait := protocol.Wait(metadata)
	metadata["resume_at"] = "changed"

	assert.True(t, wait.IsWait())
	assert.Equal(t, "2025-01-01T00:00:00Z", wait.Metadata["resume_at"])
}

func TestStepContext(t *testing.T) {
	t.Parallel()

	stepCtx := &protocol.StepContext{
		ExecutionID:    "exec-1",
		DefinitionName: "release",
		Input:          map[string]any{"ref": "main"},
		Outputs:        map[string]any{"a": "done"},
	}

	assert.Nil(t, stepCtx.WaitMetadata())
	assert.Equal(t, 1, stepCtx.Attempt())

	tmpl := stepCtx.Template()
	assert.Equal(t, "exec-1", tmpl.ExecutionID)
	assert.Equal(t, "release", tmpl.ProcessName)
	assert.Equal(t, "done", tmpl.StepOutputs["a"])

	stepCtx.State = &models.StepExecution{Attempts: 3, WaitMetadata: map[string]any{"k": "v"}}
	assert.Equal(t, 3, stepCtx.Attempt())
	assert.Equal(t, "v", stepCtx.WaitMetadata()["k"])
}

func TestHandlerFunc(t *testing.T) {
	t.Parallel()

	var handler protocol.Handler = protocol.HandlerFunc(
		func(_ context.Context, stepCtx *protocol.StepContext, _ models.StepConfig) (protocol.Result, error) {
			return protocol.Ok(stepCtx.ExecutionID), nil
		})

	result, err := handler.Execute(context.Background(), &protocol.StepContext{ExecutionID: "e"}, models.TimerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "e", result.Output)
}

func TestResumeAt(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)

	parsed, ok := protocol.ResumeAt(map[string]any{protocol.ResumeAtKey: at.Format(time.RFC3339Nano)})
	require.True(t, ok)
	assert.True(t, at.Equal(parsed))

	parsed, ok = protocol.ResumeAt(map[string]any{protocol.ResumeAtKey: at})
	require.True(t, ok)
	assert.True(t, at.Equal(parsed))

	_, ok = protocol.ResumeAt(map[string]any{protocol.ResumeAtKey: "tomorrow"})
	assert.False(t, ok)

	_, ok = protocol.ResumeAt(nil)
	assert.False(t, ok)
}
