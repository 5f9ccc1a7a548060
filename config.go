package fleetsim

import (
	"fmt"
	"time"

	"github.com/arloliu/fleetsim/fleet"
	"github.com/arloliu/fleetsim/lease"
	"github.com/arloliu/fleetsim/pool"
	"github.com/arloliu/fleetsim/pool/natsqueue"
	"github.com/arloliu/fleetsim/registry/iothub"
	"github.com/arloliu/fleetsim/secrets"
	"github.com/arloliu/fleetsim/telemetry"
	"github.com/arloliu/fleetsim/transport"
)

// Config is the whole configuration of a fleetsim process. It is passed
// section by section into the constructors; nothing reads it globally.
type Config struct {
	Fleet     fleet.Config         `yaml:"fleet"`
	Session   lease.Config         `yaml:"session"`
	Transport transport.MQTTConfig `yaml:"transport"`
	Registry  iothub.Config        `yaml:"registry"`
	Pool      PoolConfig           `yaml:"pool"`
	Secrets   secrets.Config       `yaml:"secrets"`
	Log       LogConfig            `yaml:"log"`
	Telemetry telemetry.Config     `yaml:"telemetry"`
}

// Backend names the identity pool store.
type Backend string

const (
	BackendNATS   Backend = "nats"
	BackendMemory Backend = "memory"
)

// PoolConfig configures the identity pool.
type PoolConfig struct {
	// Backend is "nats" for a shared JetStream work queue, or "memory" for a
	// single-process pool seeded with ids 1..Count at start.
	Backend Backend `yaml:"backend" default:"nats" validate:"oneof=nats memory"`
	// Count is the number of device ids 1..Count managed by init and cleanup.
	Count uint64 `yaml:"count" default:"7000" validate:"gte=1"`
	// Visibility is the redelivery timeout of the memory backend.
	Visibility time.Duration `yaml:"visibility" default:"30s" validate:"gt=0"`

	NATS natsqueue.Config `yaml:"nats"`
	Bulk pool.BulkConfig  `yaml:"bulk"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Debug switches to the human readable development encoder.
	Debug bool   `yaml:"debug" default:"false" env:"FLEETSIM_DEBUG"`
	Level string `yaml:"level" default:"info" env:"FLEETSIM_LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// Validate checks the cross-field constraints of every section.
func (c Config) Validate() error {
	if err := c.Fleet.Validate(); err != nil {
		return fmt.Errorf("fleet.%w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session.%w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool.%w", err)
	}
	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets.%w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry.%w", err)
	}

	return nil
}

// Validate checks PoolConfig.
func (c PoolConfig) Validate() error {
	switch c.Backend {
	case BackendNATS:
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("nats.%w", err)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backend('%v') - must be %v or %v", c.Backend, BackendNATS, BackendMemory)
	}
	if c.Count == 0 {
		return fmt.Errorf("count('%v') - must be at least 1", c.Count)
	}
	if err := c.Bulk.Validate(); err != nil {
		return fmt.Errorf("bulk.%w", err)
	}

	return nil
}
