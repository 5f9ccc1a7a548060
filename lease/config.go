package lease

import (
	"fmt"
	"time"

	"github.com/arloliu/fleetsim/registry"
)

// Config configures one lease session. Every session of a fleet shares it.
type Config struct {
	// PublishInterval is the mean time between telemetry messages.
	PublishInterval time.Duration `yaml:"publishInterval" default:"7500ms" validate:"gt=0"`
	// PublishJitter spreads each interval uniformly by +/- this amount.
	PublishJitter *time.Duration `yaml:"publishJitter" default:"2500ms"`
	// MaxMessages ends the session after that many publishes; 0 runs until cancelled.
	MaxMessages int `yaml:"maxMessages" default:"0" validate:"gte=0"`

	AcquireTimeout time.Duration `yaml:"acquireTimeout" default:"5m" validate:"gt=0"`
	ReleaseTimeout time.Duration `yaml:"releaseTimeout" default:"30s" validate:"gt=0"`

	TokenValidity time.Duration `yaml:"tokenValidity" default:"24h" validate:"gt=0"`
	// RenewMargin is how long before expiry the token is reissued.
	RenewMargin *time.Duration `yaml:"renewMargin" default:"5m"`

	APIVersion    string `yaml:"apiVersion" default:"2021-04-12" validate:"required"`
	Port          int    `yaml:"port" default:"8883" validate:"gt=0,lte=65535"`
	AllowInsecure bool   `yaml:"allowInsecure" default:"false" env:"FLEETSIM_ALLOW_INSECURE"`

	// Properties are promoted onto the telemetry topic.
	Properties map[string]string `yaml:"properties,omitempty"`
	Metadata   registry.Metadata `yaml:"metadata"`

	Temperature struct {
		Min *float64 `yaml:"min" default:"20"`
		Max *float64 `yaml:"max" default:"25"`
	} `yaml:"temperature"`
}

// Jitter returns PublishJitter, 2.5s when unset.
func (c Config) Jitter() time.Duration {
	if c.PublishJitter == nil {
		return 2500 * time.Millisecond
	}

	return *c.PublishJitter
}

// Margin returns RenewMargin, 5m when unset.
func (c Config) Margin() time.Duration {
	if c.RenewMargin == nil {
		return 5 * time.Minute
	}

	return *c.RenewMargin
}

// TemperatureRange returns the bounds of generated readings, 20..25 when unset.
func (c Config) TemperatureRange() (lo, hi float64) {
	lo, hi = 20, 25
	if c.Temperature.Min != nil {
		lo = *c.Temperature.Min
	}
	if c.Temperature.Max != nil {
		hi = *c.Temperature.Max
	}

	return lo, hi
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if j := c.Jitter(); j < 0 || j >= c.PublishInterval {
		return fmt.Errorf("publishJitter('%v') - must be within [0, publishInterval('%v'))", j, c.PublishInterval)
	}
	if c.TokenValidity < time.Second {
		return fmt.Errorf("tokenValidity('%v') - must be at least 1s", c.TokenValidity)
	}
	if m := c.Margin(); m < 0 || m >= c.TokenValidity {
		return fmt.Errorf("renewMargin('%v') - must be within [0, tokenValidity('%v'))", m, c.TokenValidity)
	}
	if lo, hi := c.TemperatureRange(); lo > hi {
		return fmt.Errorf("temperature.min('%v') - must not exceed temperature.max('%v')", lo, hi)
	}

	return nil
}
