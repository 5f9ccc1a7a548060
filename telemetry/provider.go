// Package telemetry builds the OpenTelemetry providers of a fleetsim run from
// configuration. Spans and metrics describe the lease lifecycle; log records
// carry lifecycle events such as acquired, connected and released.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrDisabled is returned by a signal constructor when telemetry or that signal is off.
	ErrDisabled = errors.New("telemetry: disabled")
	// ErrServiceNameRequired is returned when telemetry is enabled without a service name.
	ErrServiceNameRequired = errors.New("telemetry: service name is required")
)

// Providers bundles the providers handed to every component of a run.
type Providers struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	LoggerProvider otellog.LoggerProvider
	Propagator     propagation.TextMapPropagator

	shutdowns []func(context.Context) error
}

// New builds all providers from cfg and installs them as the OTel globals.
// Disabled signals get no-op providers.
func New(ctx context.Context, cfg Config) (*Providers, error) {
	p := &Providers{
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		LoggerProvider: lognoop.NewLoggerProvider(),
		Propagator:     buildPropagator(cfg),
	}
	if !cfg.Enabled {
		return p, nil
	}

	tp, err := NewTracerProvider(ctx, cfg)
	switch {
	case err == nil:
		p.TracerProvider = tp
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	case !errors.Is(err, ErrDisabled):
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, cfg)
	switch {
	case err == nil:
		p.MeterProvider = mp
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	case !errors.Is(err, ErrDisabled):
		_ = p.Shutdown(ctx)
		return nil, err
	}

	lp, err := NewLoggerProvider(ctx, cfg)
	switch {
	case err == nil:
		p.LoggerProvider = lp
		p.shutdowns = append(p.shutdowns, lp.Shutdown)
	case !errors.Is(err, ErrDisabled):
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	global.SetLoggerProvider(p.LoggerProvider)
	otel.SetTextMapPropagator(p.Propagator)

	return p, nil
}

// Shutdown flushes and stops every SDK provider, in reverse creation order.
func (p *Providers) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.shutdowns = nil

	return result.ErrorOrNil()
}

// NewTracerProvider builds a batching TracerProvider.
// Returns ErrDisabled when telemetry or traces are off.
func NewTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled || !cfg.Traces.IsEnabled() {
		return nil, ErrDisabled
	}
	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := buildTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(buildSampler(cfg.Traces)),
		sdktrace.WithBatcher(exporter),
	), nil
}

// NewMeterProvider builds a MeterProvider with a periodic reader.
// Returns ErrDisabled when telemetry or metrics are off.
func NewMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled || !cfg.Metrics.Enabled {
		return nil, ErrDisabled
	}
	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := buildMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if interval := normalizeDuration(cfg.Metrics.Interval); interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(interval))
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	), nil
}

// NewLoggerProvider builds a batching LoggerProvider.
// Returns ErrDisabled when telemetry or logs are off.
func NewLoggerProvider(ctx context.Context, cfg Config) (*sdklog.LoggerProvider, error) {
	if !cfg.Enabled || !cfg.Logs.Enabled {
		return nil, ErrDisabled
	}
	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := buildLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build log exporter: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		return nil, ErrServiceNameRequired
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		if k != "" {
			attrs = append(attrs, attribute.String(k, v))
		}
	}

	res, err := resource.New(ctx, resource.WithSchemaURL(semconv.SchemaURL), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}

func buildSampler(cfg TracesConfig) sdktrace.Sampler {
	switch cfg.Sampler {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.ratio())
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.ratio()))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// buildPropagator supports the W3C propagators; other names are reported and ignored.
func buildPropagator(cfg Config) propagation.TextMapPropagator {
	for _, name := range splitList(cfg.Propagators) {
		if name != "tracecontext" && name != "baggage" && name != "none" {
			otel.Handle(fmt.Errorf("telemetry: unsupported propagator %q, ignoring", name))
		}
	}

	var props []propagation.TextMapPropagator
	if cfg.hasPropagator("tracecontext") {
		props = append(props, propagation.TraceContext{})
	}
	if cfg.hasPropagator("baggage") {
		props = append(props, propagation.Baggage{})
	}

	return propagation.NewCompositeTextMapPropagator(props...)
}
