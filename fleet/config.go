package fleet

import (
	"fmt"
	"time"
)

// Config shapes the simulated population.
type Config struct {
	// Users is the number of concurrent simulated devices, 1 when unset.
	Users *int `yaml:"users" default:"1"`
	// SpawnRate is how many users start per second during ramp-up.
	SpawnRate float64 `yaml:"spawnRate" default:"1" validate:"gt=0"`
	// Duration bounds the whole run; 0 runs until cancelled.
	Duration time.Duration `yaml:"duration" default:"0" validate:"gte=0"`
	// RestartDelay is the pause before a user retries after a failed session,
	// 5s when unset.
	RestartDelay *time.Duration `yaml:"restartDelay" default:"5s"`
	// MaxCycles caps sessions per user; 0 is unlimited.
	MaxCycles int `yaml:"maxCycles" default:"0" validate:"gte=0"`
}

// Validate checks Config.
func (c Config) Validate() error {
	if c.users() < 1 {
		return fmt.Errorf("users('%v') - must be at least 1", c.users())
	}
	if c.SpawnRate <= 0 {
		return fmt.Errorf("spawnRate('%v') - must be positive", c.SpawnRate)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration('%v') - must not be negative", c.Duration)
	}
	if c.restartDelay() < 0 {
		return fmt.Errorf("restartDelay('%v') - must not be negative", c.restartDelay())
	}

	return nil
}

func (c Config) users() int {
	if c.Users == nil {
		return 1
	}

	return *c.Users
}

func (c Config) restartDelay() time.Duration {
	if c.RestartDelay == nil {
		return 5 * time.Second
	}

	return *c.RestartDelay
}

// spawnInterval is the pause between two user starts. Rates above one per
// nanosecond start users back to back.
func (c Config) spawnInterval() time.Duration {
	return max(time.Duration(float64(time.Second)/c.SpawnRate), time.Nanosecond)
}
