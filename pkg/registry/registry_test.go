package registry_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(output string) protocol.Handler {
	return protocol.HandlerFunc(func(context.Context, *protocol.StepContext, models.StepConfig) (protocol.Result, error) {
		return protocol.Ok(output), nil
	})
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := registry.NewRegistry(slog.New(slog.DiscardHandler))

	assert.False(t, r.Has(models.StepTypeTimer))

	_, err := r.Get(models.StepTypeTimer)
	require.ErrorIs(t, err, registry.ErrUnknownStepType)

	r.Register(models.StepTypeTimer, constant("first"))
	r.Register(models.StepTypeTask, constant("task"))
	r.Register(models.StepTypeTimer, constant("second"))

	assert.True(t, r.Has(models.StepTypeTimer))
	assert.Equal(t, []models.StepType{models.StepTypeTask, models.StepTypeTimer}, r.Types())

	handler, err := r.Get(models.StepTypeTimer)
	require.NoError(t, err)

	result, err := handler.Execute(context.Background(), &protocol.StepContext{}, models.TimerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "second", result.Output)
}
