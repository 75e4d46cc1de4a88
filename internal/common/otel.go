package common

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ServiceNamespace groups the pipeline's processes in trace backends.
const ServiceNamespace = "crm-delivery"

type TelemetryShutdown func(context.Context) error

// SetupOTel installs the global tracer provider for one pipeline process.
// Spans carry the process's role and drivers as resource attributes and are
// exported over OTLP gRPC when cfg.OTLPEndpoint is set.
func SetupOTel(ctx context.Context, cfg *Config) (TelemetryShutdown, error) {
	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(traceSampler(cfg.TraceSampleRatio)),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func telemetryResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceNamespaceKey.String(ServiceNamespace),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		attribute.String("crm.store.driver", cfg.StoreDriver),
		attribute.String("crm.bus.driver", cfg.BusDriver),
	))
}

// traceSampler keeps ratio of new root traces and follows the parent's
// decision otherwise. A zero ratio drops every root.
func traceSampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if ratio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func ShutdownTelemetry(ctx context.Context, shutdown TelemetryShutdown) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
