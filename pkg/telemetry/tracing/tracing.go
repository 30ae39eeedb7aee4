// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// Resource identifies the process in exported spans.
type Resource struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	InstanceID     string
}

var exportFailures atomic.Int64

// ExportFailures returns how many span batches failed to export.
func ExportFailures() int64 {
	return exportFailures.Load()
}

var reportExporterFailure = func(err error, exporter, endpoint string, spanCount int) {
	logger.Component("tracing").Warn("tracing exporter failed",
		"error", err,
		"exporter", exporter,
		"endpoint", endpoint,
		"span_count", spanCount,
	)
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(normalizeEndpoint(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(ctx, opts...)
}

// isolatingExporter keeps collector outages away from saga execution: export
// errors are counted and logged, never returned to the batch processor.
type isolatingExporter struct {
	exporter sdktrace.SpanExporter
	kind     string
	endpoint string
}

func (e *isolatingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.exporter.ExportSpans(ctx, spans); err != nil {
		exportFailures.Add(1)
		reportExporterFailure(err, e.kind, e.endpoint, len(spans))
	}
	return nil
}

func (e *isolatingExporter) Shutdown(ctx context.Context) error {
	return e.exporter.Shutdown(ctx)
}

// Init installs the global tracer provider. When tracing is disabled a no-op
// provider is installed so spans created by the engine and gateway cost nothing.
func Init(ctx context.Context, cfg config.TracingConfig, res Resource) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := checkExportConfig(cfg); err != nil {
		return nil, err
	}

	tp, err := newProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Shutdown runs even when the flush fails so the exporter is released.
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

func checkExportConfig(cfg config.TracingConfig) error {
	switch {
	case strings.TrimSpace(cfg.Exporter) == "":
		return errors.New("tracing exporter cannot be empty")
	case strings.TrimSpace(cfg.Endpoint) == "":
		return errors.New("tracing endpoint cannot be empty")
	case cfg.Timeout <= 0:
		return errors.New("tracing timeout must be > 0")
	}
	return nil
}

func newProvider(ctx context.Context, cfg config.TracingConfig, res Resource) (*sdktrace.TracerProvider, error) {
	otelRes, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(res)...))
	if err != nil {
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&isolatingExporter{
			exporter: exp,
			kind:     strings.ToLower(strings.TrimSpace(cfg.Exporter)),
			endpoint: normalizeEndpoint(cfg.Endpoint),
		}),
		sdktrace.WithResource(otelRes),
		sdktrace.WithSampler(selectSampler(cfg)),
	), nil
}

func resourceAttributes(res Resource) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(res.ServiceName),
		semconv.ServiceVersion(res.ServiceVersion),
	}
	if res.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", res.Environment))
	}
	if res.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", res.InstanceID))
	}
	return attrs
}

// selectSampler maps the configured sampler name. Anything other than the
// two fixed samplers follows the parent, sampling roots at SampleRate.
func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}

// normalizeEndpoint reduces a collector URL to the host:port the gRPC
// exporter dials.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	_, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		return raw
	}
	host, _, _ := strings.Cut(rest, "/")
	if host == "" {
		return raw
	}
	return host
}
