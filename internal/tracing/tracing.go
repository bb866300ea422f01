// Package tracing wires OpenTelemetry tracing for the gateway. Spans cover
// tool execution, worker dispatch, and storage calls; export is OTLP over
// grpc or http per config. When telemetry is disabled everything degrades
// to the otel no-op provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/trikhub/trikhub/internal/config"
)

const scopeName = "github.com/trikhub/trikhub"

// Setup configures the global tracer provider from cfg and returns a
// shutdown func that flushes pending spans. With telemetry disabled it
// returns a no-op shutdown and leaves the default (no-op) provider in
// place.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "trikhub"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp grpc exporter: %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp http exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q (want grpc or http)", cfg.Protocol)
	}
}

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartExecute opens a span for one tool execution.
func StartExecute(ctx context.Context, trikID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.execute",
		trace.WithAttributes(
			attribute.String("trik.id", trikID),
			attribute.String("trik.action", action),
		),
	)
}

// StartInvoke opens a span for a worker (or in-process) dispatch.
func StartInvoke(ctx context.Context, runtime, trikID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "worker.invoke",
		trace.WithAttributes(
			attribute.String("worker.runtime", runtime),
			attribute.String("trik.id", trikID),
		),
	)
}

// StartStorage opens a span for one worker-originated storage call. The
// method name is already dotted (storage.get, storage.set, ...) and serves
// as the span name directly.
func StartStorage(ctx context.Context, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, method)
}

// RecordError marks span failed with err. Nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
