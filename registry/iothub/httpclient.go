package iothub

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// newHTTPClient returns a pooled client whose transport is traced with otelhttp.
// Nil providers fall back to the global ones.
func newHTTPClient(
	timeout time.Duration,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	prop propagation.TextMapPropagator,
) *http.Client {
	base, ok := http.DefaultTransport.(*http.Transport)
	var transport http.RoundTripper = http.DefaultTransport
	if ok {
		t := base.Clone()
		t.DialContext = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
		t.MaxIdleConnsPerHost = 64
		t.IdleConnTimeout = 90 * time.Second
		transport = t
	}

	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
			otelhttp.WithPropagators(prop),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "iothub " + r.Method + " " + resourceKind(r.URL.Path)
			}),
		),
		Timeout: timeout,
	}
}

// resourceKind keeps device ids out of span names.
func resourceKind(path string) string {
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return path
}
