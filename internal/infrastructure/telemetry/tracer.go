package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a thin wrapper over the global OpenTelemetry tracer. The host
// process decides which tracer provider (if any) is installed; with none,
// spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer scoped to the given instrumentation name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer("efb/" + name)}
}

// Start begins a span with the given attributes.
func (t *Tracer) Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}
