// Package otelhelper sets up OpenTelemetry tracing for procflow components.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// Common attribute keys.
	DefinitionIDKey   = "procflow.definition.id"
	DefinitionNameKey = "procflow.definition.name"
	ExecutionIDKey    = "procflow.execution.id"
	StepIDKey         = "procflow.step.id"
	StepTypeKey       = "procflow.step.type"
	ResourceKeyKey    = "procflow.resource.key"
	ScheduleIDKey     = "procflow.schedule.id"
	TriggerIDKey      = "procflow.trigger.id"
	ApprovalIDKey     = "procflow.approval.id"
)

// Options configure the tracer. A disabled tracer records nothing.
type Options struct {
	Enabled bool
	// Endpoint is the OTLP HTTP collector URL. Empty uses the OTEL_EXPORTER_OTLP_* environment.
	Endpoint string
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string, opts Options) (trace.Tracer, ShutdownFunc, error) {
	if !opts.Enabled {
		return Noop(), func(context.Context) error { return nil }, nil
	}

	provider, err := newTracerProvider(ctx, serviceName, opts)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// Noop returns a tracer that records nothing.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer("procflow")
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string, opts Options) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporterOptions := make([]otlptracehttp.Option, 0, 1)
	if opts.Endpoint != "" {
		exporterOptions = append(exporterOptions, otlptracehttp.WithEndpointURL(opts.Endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
