// Package tracing installs the global OpenTelemetry tracer provider that
// the ballot, tally and proof spans report to.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"quorum/internal/platform/config"
)

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup builds the exporter named by cfg and registers a batching provider
// as the global one. stdout spans are written to w.
func Setup(ctx context.Context, cfg config.Tracing, w io.Writer) (Shutdown, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp":
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s trace exporter: %w", cfg.Exporter, err)
	}

	tp := NewProvider(exporter, cfg)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewProvider wraps exporter in a parent-based ratio sampler tagged with the
// service name.
func NewProvider(exporter sdktrace.SpanExporter, cfg config.Tracing) *sdktrace.TracerProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "quorum"
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
}
