package natsqueue

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/arloliu/fleetsim/pool/natsqueue"

type options struct {
	tp     trace.TracerProvider
	prop   propagation.TextMapPropagator
	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*options)

// WithTracerProvider sets the TracerProvider. Default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tp = tp
	}
}

// WithPropagator sets the propagator used for message headers.
// Default is the global TextMapPropagator.
func WithPropagator(prop propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.prop = prop
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.prop == nil {
		o.prop = otel.GetTextMapPropagator()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return o
}
