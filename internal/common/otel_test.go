package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

func rootDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0x01},
		Name:          "send-message",
	}).Decision
}

func TestTraceSampler(t *testing.T) {
	assert.Equal(t, sdktrace.RecordAndSample, rootDecision(traceSampler(1)))
	assert.Equal(t, sdktrace.RecordAndSample, rootDecision(traceSampler(2)))
	assert.Equal(t, sdktrace.Drop, rootDecision(traceSampler(0)))
	assert.Contains(t, traceSampler(0.25).Description(), "root:TraceIDRatioBased{0.25}")
}

func TestTraceSamplerFollowsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	res := traceSampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: ctx,
		TraceID:       parent.TraceID(),
		Name:          "apply-receipts",
	})
	assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
}

func TestTelemetryResource(t *testing.T) {
	cfg := &Config{ServiceName: "batcher", Environment: "staging", StoreDriver: StorePostgres, BusDriver: BusKafka}

	res, err := telemetryResource(context.Background(), cfg)
	require.NoError(t, err)

	want := map[attribute.Key]string{
		semconv.ServiceNameKey:           "batcher",
		semconv.ServiceNamespaceKey:      ServiceNamespace,
		semconv.DeploymentEnvironmentKey: "staging",
		"crm.store.driver":               StorePostgres,
		"crm.bus.driver":                 BusKafka,
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, value, got.AsString(), key)
	}
}

func TestSetupOTelWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), &Config{ServiceName: "api", TraceSampleRatio: 1})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	_, span := otel.Tracer("test").Start(context.Background(), "root")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	ShutdownTelemetry(context.Background(), shutdown)
	ShutdownTelemetry(context.Background(), nil)
}
