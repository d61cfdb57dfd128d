// Package telemetry wires OpenTelemetry tracing (exported to Cloud Trace) and
// the Prometheus collectors the extractor reports through.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/resilient-extractor/internal/config"
)

// Providers are the SDK providers installed as the otel globals.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *metric.MeterProvider
}

// Shutdown flushes pending spans and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

var (
	initOnce  sync.Once
	providers *Providers
	initErr   error
)

// InitTelemetry installs the global tracer and meter providers. Only the
// first call does any work; later calls return the same Providers. Spans are
// exported to Cloud Trace only when application.project_id is set, otherwise
// they are sampled and dropped.
func InitTelemetry(ctx context.Context, cfg *config.Config) (*Providers, error) {
	initOnce.Do(func() {
		providers, initErr = newProviders(ctx, cfg.Application)
	})
	return providers, initErr
}

func newProviders(ctx context.Context, app config.ApplicationConfig) (*Providers, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(app.ServiceName),
		semconv.ServiceVersion(app.Version),
		semconv.CloudAccountID(app.ProjectNumber),
		semconv.CloudRegion(app.Region),
		semconv.CloudProviderGCP,
		semconv.CloudPlatformGCPCloudRun,
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp, err := newTracerProvider(res, app.ProjectID)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// otel instruments land on the same registry /metrics serves.
	exporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	return &Providers{Tracer: tp, Meter: mp}, nil
}

func newTracerProvider(res *resource.Resource, projectID string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if projectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(projectID))
		if err != nil {
			return nil, fmt.Errorf("create cloud trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
