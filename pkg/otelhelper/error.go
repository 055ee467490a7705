package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FailureCodeKey carries the step failure code on handler spans.
const FailureCodeKey = "procflow.failure.code"

// SetError records err on span and marks it failed. A nil err is ignored.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetFailure marks span failed with a step failure code. Unlike SetError no error event
// is recorded: the handler ran and reported the failure itself.
func SetFailure(span trace.Span, code, message string) {
	span.SetAttributes(attribute.String(FailureCodeKey, code))
	span.SetStatus(codes.Error, code+": "+message)
}
