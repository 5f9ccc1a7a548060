package fleetsim

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. Debug selects the console encoder at
// debug level; otherwise logs are JSON at Level.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	if cfg.Debug {
		return zap.NewDevelopmentConfig().Build()
	}

	zc := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("level('%v') - %w", cfg.Level, err)
		}
		zc.Level = level
	}

	return zc.Build()
}
