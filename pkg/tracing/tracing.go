// Package tracing wires the orchestrator's plan/approve/execute pipeline
// and the planner's provider calls into OpenTelemetry spans, per
// SPEC_FULL §4.17. Tracing is deliberately best-effort: a missing or
// failed exporter never affects pipeline correctness, so every function
// here degrades to a no-op tracer rather than returning an error the
// caller would have to handle.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aegis-controller"

// Init installs a TracerProvider that exports spans as JSON to w,
// defaulting to stdouttrace per SPEC_FULL §4.17. Passing io.Discard
// keeps the SDK active (so Start still produces real span contexts)
// without printing anything, which is what tests want.
func Init(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", tracerName))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer. Safe to call before Init —
// otel.Tracer falls back to a no-op implementation until a real
// TracerProvider is installed.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start begins a span named name, a thin convenience wrapper so callers
// don't need to import go.opentelemetry.io/otel/trace directly.
func Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
