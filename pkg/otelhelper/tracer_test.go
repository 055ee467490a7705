package otelhelper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := otelhelper.NewTracer(context.Background(), "procflow-test", otelhelper.Options{})
	require.NoError(t, err)

	ctx, span := otelhelper.StartSpan(context.Background(), tracer, "step",
		attribute.String(otelhelper.StepIDKey, "a"))
	otelhelper.SetError(span, errors.New("boom"))
	span.End()

	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetFailure_NoopSpan(t *testing.T) {
	t.Parallel()

	_, span := otelhelper.StartSpan(context.Background(), otelhelper.Noop(), "engine.handler")
	defer span.End()

	assert.NotPanics(t, func() {
		otelhelper.SetFailure(span, "QUEUE_FULL", "resource printer has 3 entries")
		otelhelper.SetError(span, nil)
	})
}
