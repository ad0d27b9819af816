// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Params configures tracing. An empty Endpoint disables export.
type Params struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Setup builds a tracer provider and installs it globally. Without an
// endpoint it installs a no-op provider.
func Setup(ctx context.Context, p Params) (trace.TracerProvider, Shutdown, error) {
	if p.Endpoint == "" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}
	if p.ServiceName == "" {
		p.ServiceName = "wprelay"
	}
	if p.SampleRatio <= 0 || p.SampleRatio > 1 {
		p.SampleRatio = 1
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(p.Endpoint)}
	if p.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(p.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
