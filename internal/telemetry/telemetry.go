// Package telemetry bootstraps the process-wide OpenTelemetry tracer
// provider and exposes the Prometheus registry over HTTP. Spans are
// created by callers directly against otel.Tracer("...") (the
// repository layer already does this); this package only owns the
// provider lifecycle, not a tracing abstraction on top of it.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects how spans leave the process. An empty OTLPEndpoint
// means no exporter is configured and the tracer provider runs with
// an always-off sampler so instrumentation call sites stay free.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, ships spans over OTLP/HTTP to this
	// collector (e.g. "http://localhost:4318").
	OTLPEndpoint string
	// Console, when true and OTLPEndpoint is empty, prints spans to
	// stdout instead of discarding them. Intended for local development.
	Console bool
}

// Provider owns the process tracer provider's lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider per cfg and returns a
// Provider whose Shutdown flushes and releases the exporter. Callers
// that don't need tracing (OTLPEndpoint empty, Console false) still
// get a valid no-op-sampled provider so span creation elsewhere in the
// codebase never needs a nil check.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("merge otel resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	exporter, sampler, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter), sdktrace.WithSampler(sampler))
	} else {
		opts = append(opts, sdktrace.WithSampler(sampler))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

func buildExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdktrace.Sampler, error) {
	switch {
	case cfg.OTLPEndpoint != "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp http exporter: %w", err)
		}
		return exp, sdktrace.AlwaysSample(), nil
	case cfg.Console:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, fmt.Errorf("create console exporter: %w", err)
		}
		return exp, sdktrace.AlwaysSample(), nil
	default:
		return nil, sdktrace.NeverSample(), nil
	}
}

// Shutdown flushes any pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a named tracer from the process tracer provider,
// matching the way internal/db/repositories looks theirs up.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// MetricsHandler exposes the default Prometheus registry, the one the
// reaper's counters register against, for the server's /metrics route.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
