package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpoint is the resolved export target of one signal.
type endpoint struct {
	kind        string // otlp, console, none
	http        bool
	address     string
	headers     map[string]string
	timeout     time.Duration
	insecure    bool
	compression bool
}

func resolve(cfg Config, kind, override string) endpoint {
	e := endpoint{
		kind:        normalizeKind(kind),
		http:        cfg.OTLP.Protocol == "http" || cfg.OTLP.Protocol == "http/protobuf",
		address:     cfg.OTLP.Endpoint,
		headers:     cfg.OTLP.Headers,
		timeout:     normalizeDuration(cfg.OTLP.Timeout),
		insecure:    cfg.OTLP.IsInsecure(),
		compression: cfg.OTLP.Compression == "gzip",
	}
	if override != "" {
		e.address = override
	}
	if e.address == "" {
		e.address = "localhost:4317"
	}

	return e
}

func normalizeKind(v string) string {
	switch v = strings.ToLower(strings.TrimSpace(v)); v {
	case "", "otlp":
		return "otlp"
	case "stdout", "console":
		return "console"
	case "none", "nop", "noop":
		return "none"
	default:
		return v
	}
}

// normalizeDuration reads sub-millisecond values as milliseconds, the unit of numeric OTel env vars.
func normalizeDuration(v time.Duration) time.Duration {
	if v > 0 && v < time.Millisecond {
		return v * time.Millisecond //nolint:durationcheck // numeric env values are milliseconds
	}

	return v
}

func isURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)

	return scheme == "http" || scheme == "https"
}

func httpOptions[T any](
	e endpoint,
	withEndpoint func(string) T,
	withEndpointURL func(string) T,
	withHeaders func(map[string]string) T,
	withTimeout func(time.Duration) T,
	withInsecure func() T,
	withCompression func() T,
) []T {
	var opts []T
	if isURL(e.address) {
		opts = append(opts, withEndpointURL(e.address))
	} else {
		opts = append(opts, withEndpoint(e.address))
	}

	return append(opts, commonOptions(e, withHeaders, withTimeout, withInsecure, withCompression)...)
}

func grpcOptions[T any](
	e endpoint,
	withEndpoint func(string) T,
	withHeaders func(map[string]string) T,
	withTimeout func(time.Duration) T,
	withInsecure func() T,
	withCompression func() T,
) []T {
	opts := []T{withEndpoint(e.address)}

	return append(opts, commonOptions(e, withHeaders, withTimeout, withInsecure, withCompression)...)
}

func commonOptions[T any](
	e endpoint,
	withHeaders func(map[string]string) T,
	withTimeout func(time.Duration) T,
	withInsecure func() T,
	withCompression func() T,
) []T {
	var opts []T
	if len(e.headers) > 0 {
		opts = append(opts, withHeaders(e.headers))
	}
	if e.timeout > 0 {
		opts = append(opts, withTimeout(e.timeout))
	}
	if e.insecure {
		opts = append(opts, withInsecure())
	}
	if e.compression {
		opts = append(opts, withCompression())
	}

	return opts
}

type nopSpanExporter struct{}

func (nopSpanExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (nopSpanExporter) Shutdown(context.Context) error                             { return nil }

func buildTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	e := resolve(cfg, cfg.Traces.Exporter, cfg.Traces.Endpoint)
	switch e.kind {
	case "console":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nopSpanExporter{}, nil
	}
	if e.http {
		return otlptracehttp.New(ctx, httpOptions(e,
			otlptracehttp.WithEndpoint,
			otlptracehttp.WithEndpointURL,
			otlptracehttp.WithHeaders,
			otlptracehttp.WithTimeout,
			otlptracehttp.WithInsecure,
			func() otlptracehttp.Option { return otlptracehttp.WithCompression(otlptracehttp.GzipCompression) },
		)...)
	}

	return otlptracegrpc.New(ctx, grpcOptions(e,
		otlptracegrpc.WithEndpoint,
		otlptracegrpc.WithHeaders,
		otlptracegrpc.WithTimeout,
		otlptracegrpc.WithInsecure,
		func() otlptracegrpc.Option { return otlptracegrpc.WithCompressor("gzip") },
	)...)
}

type nopMetricExporter struct{}

func (nopMetricExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }
func (nopMetricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (nopMetricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}
func (nopMetricExporter) ForceFlush(context.Context) error { return nil }
func (nopMetricExporter) Shutdown(context.Context) error   { return nil }

func buildMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	e := resolve(cfg, cfg.Metrics.Exporter, cfg.Metrics.Endpoint)
	switch e.kind {
	case "console":
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	case "none":
		return nopMetricExporter{}, nil
	}
	if e.http {
		return otlpmetrichttp.New(ctx, httpOptions(e,
			otlpmetrichttp.WithEndpoint,
			otlpmetrichttp.WithEndpointURL,
			otlpmetrichttp.WithHeaders,
			otlpmetrichttp.WithTimeout,
			otlpmetrichttp.WithInsecure,
			func() otlpmetrichttp.Option { return otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression) },
		)...)
	}

	return otlpmetricgrpc.New(ctx, grpcOptions(e,
		otlpmetricgrpc.WithEndpoint,
		otlpmetricgrpc.WithHeaders,
		otlpmetricgrpc.WithTimeout,
		otlpmetricgrpc.WithInsecure,
		func() otlpmetricgrpc.Option { return otlpmetricgrpc.WithCompressor("gzip") },
	)...)
}

type nopLogExporter struct{}

func (nopLogExporter) Export(context.Context, []sdklog.Record) error { return nil }
func (nopLogExporter) Shutdown(context.Context) error                { return nil }
func (nopLogExporter) ForceFlush(context.Context) error              { return nil }

func buildLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	e := resolve(cfg, cfg.Logs.Exporter, cfg.Logs.Endpoint)
	switch e.kind {
	case "console":
		return stdoutlog.New(stdoutlog.WithPrettyPrint())
	case "none":
		return nopLogExporter{}, nil
	}
	if e.http {
		return otlploghttp.New(ctx, httpOptions(e,
			otlploghttp.WithEndpoint,
			otlploghttp.WithEndpointURL,
			otlploghttp.WithHeaders,
			otlploghttp.WithTimeout,
			otlploghttp.WithInsecure,
			func() otlploghttp.Option { return otlploghttp.WithCompression(otlploghttp.GzipCompression) },
		)...)
	}

	return otlploggrpc.New(ctx, grpcOptions(e,
		otlploggrpc.WithEndpoint,
		otlploggrpc.WithHeaders,
		otlploggrpc.WithTimeout,
		otlploggrpc.WithInsecure,
		func() otlploggrpc.Option { return otlploggrpc.WithCompressor("gzip") },
	)...)
}
