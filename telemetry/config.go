package telemetry

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config selects where traces, metrics and log records of a run go.
// Environment variable names follow the OTel SDK configuration conventions.
type Config struct {
	// Enabled turns on every configured signal. When false all providers are no-ops.
	Enabled bool `yaml:"enabled" default:"false" env:"FLEETSIM_TELEMETRY_ENABLED"`

	ServiceName string `yaml:"serviceName" default:"fleetsim" env:"OTEL_SERVICE_NAME"`
	Version     string `yaml:"version" env:"OTEL_SERVICE_VERSION"`
	Environment string `yaml:"environment" default:"loadtest" env:"OTEL_DEPLOYMENT_ENVIRONMENT"`

	// ResourceAttributes are added to the resource of every signal.
	ResourceAttributes map[string]string `yaml:"resourceAttributes,omitempty"`

	OTLP    OTLPConfig    `yaml:"otlp"`
	Traces  TracesConfig  `yaml:"traces"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logs    LogsConfig    `yaml:"logs"`

	// Propagators is a comma-separated list; tracecontext and baggage are supported.
	Propagators string `yaml:"propagators" default:"tracecontext,baggage" env:"OTEL_PROPAGATORS"`
}

// OTLPConfig holds the exporter settings shared by all signals.
type OTLPConfig struct {
	// Endpoint is "host:port" for grpc, or a full URL for http.
	Endpoint string            `yaml:"endpoint" default:"localhost:4317" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Protocol string            `yaml:"protocol" default:"grpc" env:"OTEL_EXPORTER_OTLP_PROTOCOL" validate:"oneof=grpc http/protobuf http"`
	Insecure *bool             `yaml:"insecure" default:"true" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout" default:"10s" env:"OTEL_EXPORTER_OTLP_TIMEOUT" validate:"gte=0"`
	// Compression is "gzip" or empty.
	Compression string `yaml:"compression,omitempty" env:"OTEL_EXPORTER_OTLP_COMPRESSION" validate:"omitempty,oneof=gzip none"`
}

// TracesConfig configures span export. Traces are on by default.
type TracesConfig struct {
	Enabled  *bool  `yaml:"enabled" default:"true"`
	Exporter string `yaml:"exporter" default:"otlp" env:"OTEL_TRACES_EXPORTER" validate:"oneof=otlp console stdout none"`
	// Endpoint overrides OTLP.Endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`
	// Sampler is one of the OTel sampler names.
	Sampler string `yaml:"sampler" default:"parentbased_always_on" env:"OTEL_TRACES_SAMPLER" validate:"oneof=always_on always_off traceidratio parentbased_always_on parentbased_always_off parentbased_traceidratio"`
	// SamplerArg is the ratio of the traceidratio samplers, 1 when unset.
	SamplerArg *float64 `yaml:"samplerArg" default:"1.0" env:"OTEL_TRACES_SAMPLER_ARG"`
}

// IsInsecure reports whether exporters skip TLS. Defaults to true.
func (c OTLPConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// IsEnabled reports whether spans are exported. Defaults to true.
func (c TracesConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c TracesConfig) ratio() float64 {
	if c.SamplerArg == nil {
		return 1
	}

	return *c.SamplerArg
}

// MetricsConfig configures metric export. Metrics are opt-in.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled" default:"false"`
	Exporter string        `yaml:"exporter" default:"otlp" env:"OTEL_METRICS_EXPORTER" validate:"oneof=otlp console stdout none"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Interval time.Duration `yaml:"interval" default:"15s" env:"OTEL_METRIC_EXPORT_INTERVAL" validate:"gte=0"`
}

// LogsConfig configures export of session lifecycle events. Logs are opt-in.
type LogsConfig struct {
	Enabled  bool   `yaml:"enabled" default:"false"`
	Exporter string `yaml:"exporter" default:"otlp" env:"OTEL_LOGS_EXPORTER" validate:"oneof=otlp console stdout none"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Enabled && c.ServiceName == "" {
		return fmt.Errorf("serviceName('%v') - %w", c.ServiceName, ErrServiceNameRequired)
	}
	if r := c.Traces.ratio(); r < 0 || r > 1 {
		return fmt.Errorf("traces.samplerArg('%v') - must be within [0, 1]", r)
	}

	return nil
}

func (c Config) hasPropagator(name string) bool {
	if strings.TrimSpace(c.Propagators) == "" {
		return name == "tracecontext" || name == "baggage"
	}

	return slices.Contains(splitList(c.Propagators), name)
}

func splitList(s string) []string {
	var result []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}

	return result
}
