// Package telemetry configures OpenTelemetry tracing. Spans are exported to
// Google Cloud Trace when a project is configured and sampled locally
// otherwise.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the traced service.
type Config struct {
	ServiceName string
	Version     string
	// ProjectID enables export to Cloud Trace.
	ProjectID string
	// SampleRatio is the fraction of root spans sampled, in [0, 1].
	SampleRatio float64
}

// NewTracerProvider builds a provider for cfg without touching globals.
// Extra options are appended, which lets tests attach span processors.
func NewTracerProvider(ctx context.Context, cfg Config, extra ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("tracing sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(append(opts, extra...)...), nil
}

// Init builds a provider and installs it, with W3C trace-context and
// baggage propagation, as the global default.
func Init(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	tp, err := NewTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}
