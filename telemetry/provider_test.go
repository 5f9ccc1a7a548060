package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func enabled() Config {
	return Config{
		Enabled:     true,
		ServiceName: "fleetsim-test",
		Environment: "test",
		OTLP:        OTLPConfig{Endpoint: "localhost:4317", Protocol: "grpc"},
		Traces:      TracesConfig{Exporter: "none", Sampler: "always_on"},
		Metrics:     MetricsConfig{Enabled: true, Exporter: "none", Interval: time.Minute},
		Logs:        LogsConfig{Enabled: true, Exporter: "none"},
		Propagators: "tracecontext,baggage",
	}
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	_, span := p.TracerProvider.Tracer("t").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_Enabled(t *testing.T) {
	p, err := New(context.Background(), enabled())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	assert.IsType(t, &sdktrace.TracerProvider{}, p.TracerProvider)
	assert.IsType(t, &sdkmetric.MeterProvider{}, p.MeterProvider)
	assert.IsType(t, &sdklog.LoggerProvider{}, p.LoggerProvider)
	assert.Len(t, p.shutdowns, 3)

	_, span := otel.GetTracerProvider().Tracer("t").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestNew_SignalsOptIn(t *testing.T) {
	cfg := enabled()
	cfg.Metrics.Enabled = false
	cfg.Logs.Enabled = false

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()
	assert.Len(t, p.shutdowns, 1)
	assert.NotNil(t, p.MeterProvider)
	assert.NotNil(t, p.LoggerProvider)
}

func TestSignalConstructors_Disabled(t *testing.T) {
	ctx := context.Background()
	_, err := NewTracerProvider(ctx, Config{})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = NewMeterProvider(ctx, Config{Enabled: true})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = NewLoggerProvider(ctx, Config{Enabled: true})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestNew_TracesOptOut(t *testing.T) {
	cfg := enabled()
	cfg.Traces.Enabled = ptr(false)

	_, err := NewTracerProvider(context.Background(), cfg)
	require.ErrorIs(t, err, ErrDisabled)

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()
	assert.Len(t, p.shutdowns, 2)
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	assert.True(t, cfg.OTLP.IsInsecure())
	assert.True(t, cfg.Traces.IsEnabled())
	assert.InDelta(t, 1.0, cfg.Traces.ratio(), 0)

	cfg.OTLP.Insecure = ptr(false)
	cfg.Traces.Enabled = ptr(false)
	cfg.Traces.SamplerArg = ptr(0.0)
	assert.False(t, cfg.OTLP.IsInsecure())
	assert.False(t, cfg.Traces.IsEnabled())
	assert.InDelta(t, 0.0, cfg.Traces.ratio(), 0)
	assert.Contains(t, buildSampler(TracesConfig{Sampler: "traceidratio", SamplerArg: ptr(0.0)}).Description(), "TraceIDRatioBased{0}")
	require.NoError(t, cfg.Validate())

	cfg.Traces.SamplerArg = ptr(1.5)
	require.Error(t, cfg.Validate())
}

func TestServiceNameRequired(t *testing.T) {
	cfg := enabled()
	cfg.ServiceName = ""
	_, err := NewTracerProvider(context.Background(), cfg)
	require.ErrorIs(t, err, ErrServiceNameRequired)
	require.ErrorIs(t, cfg.Validate(), ErrServiceNameRequired)
}

func TestConsoleExporters(t *testing.T) {
	cfg := enabled()
	cfg.Traces.Exporter = "stdout"
	cfg.Metrics.Exporter = "console"
	cfg.Logs.Exporter = "console"

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestOTLPExporters(t *testing.T) {
	for _, protocol := range []string{"grpc", "http"} {
		t.Run(protocol, func(t *testing.T) {
			cfg := enabled()
			cfg.OTLP.Protocol = protocol
			cfg.OTLP.Compression = "gzip"
			cfg.OTLP.Headers = map[string]string{"x-tenant": "fleetsim"}
			cfg.Traces.Exporter = "otlp"
			if protocol == "http" {
				cfg.OTLP.Endpoint = "http://localhost:4318"
			}

			// Exporters connect lazily, so construction succeeds without a collector.
			exp, err := buildTraceExporter(context.Background(), cfg)
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = exp.Shutdown(ctx)
		})
	}
}

func TestBuildSampler(t *testing.T) {
	tests := map[string]string{
		"always_on":                "AlwaysOnSampler",
		"always_off":               "AlwaysOffSampler",
		"traceidratio":             "TraceIDRatioBased{0.5}",
		"parentbased_always_off":   "ParentBased{root:AlwaysOffSampler",
		"parentbased_traceidratio": "ParentBased{root:TraceIDRatioBased{0.5}",
		"":                         "ParentBased{root:AlwaysOnSampler",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			s := buildSampler(TracesConfig{Sampler: name, SamplerArg: ptr(0.5)})
			assert.Contains(t, s.Description(), want)
		})
	}
}

func TestBuildPropagator(t *testing.T) {
	fields := func(p propagation.TextMapPropagator) []string { return p.Fields() }

	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, fields(buildPropagator(Config{})))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, fields(buildPropagator(Config{Propagators: "tracecontext,b3"})))
	assert.Empty(t, fields(buildPropagator(Config{Propagators: "none"})))
}

func TestResolve(t *testing.T) {
	cfg := enabled()
	cfg.OTLP.Timeout = 500 * time.Nanosecond
	e := resolve(cfg, "STDOUT", "collector:4317")
	assert.Equal(t, "console", e.kind)
	assert.Equal(t, "collector:4317", e.address)
	assert.Equal(t, 500*time.Millisecond, e.timeout)
	assert.False(t, e.http)

	assert.Equal(t, "none", normalizeKind("noop"))
	assert.Equal(t, "otlp", normalizeKind(""))
	assert.True(t, isURL("https://collector:4318/v1/traces"))
	assert.False(t, isURL("collector:4317"))
}

func ptr[T any](v T) *T { return &v }
