package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/fleetsim/identity"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// BulkConfig configures BulkPopulate.
type BulkConfig struct {
	DeleteAttempts uint           `yaml:"deleteAttempts" default:"3" validate:"gte=1"`
	DeleteDelay    *time.Duration `yaml:"deleteDelay" default:"5s"`
	CreateAttempts uint           `yaml:"createAttempts" default:"5" validate:"gte=1"`
	CreateDelay    *time.Duration `yaml:"createDelay" default:"15s"`
	// ProgressEvery logs a progress line every N enqueued ids; 0 disables it.
	ProgressEvery *int `yaml:"progressEvery" default:"20"`
}

// Validate checks BulkConfig.
func (c BulkConfig) Validate() error {
	if c.deleteDelay() < 0 {
		return fmt.Errorf("deleteDelay('%v') - must not be negative", c.deleteDelay())
	}
	if c.createDelay() < 0 {
		return fmt.Errorf("createDelay('%v') - must not be negative", c.createDelay())
	}
	if c.progressEvery() < 0 {
		return fmt.Errorf("progressEvery('%v') - must not be negative", c.progressEvery())
	}

	return nil
}

func (c BulkConfig) deleteDelay() time.Duration {
	if c.DeleteDelay == nil {
		return 5 * time.Second
	}

	return *c.DeleteDelay
}

func (c BulkConfig) createDelay() time.Duration {
	if c.CreateDelay == nil {
		return 15 * time.Second
	}

	return *c.CreateDelay
}

func (c BulkConfig) progressEvery() int {
	if c.ProgressEvery == nil {
		return 20
	}

	return *c.ProgressEvery
}

// BulkPopulate recreates q and fills it with the ids 1..count rendered by
// identity.RenderID. Deleting is best effort since the queue may not exist;
// creating and enqueueing are not.
func BulkPopulate(ctx context.Context, q Queue, count uint64, cfg BulkConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("deleting queue")
	if err := retry(ctx, logger, "delete queue", cfg.DeleteAttempts, cfg.deleteDelay(), q.Delete); err != nil {
		logger.Warn("deleting queue failed, continuing", zap.Error(err))
	}

	logger.Info("creating queue")
	if err := retry(ctx, logger, "create queue", cfg.CreateAttempts, cfg.createDelay(), q.Create); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	logger.Info("populating queue", zap.Uint64("count", count))
	every := cfg.progressEvery()
	for n := uint64(1); n <= count; n++ {
		if err := q.Enqueue(ctx, identity.RenderID(n)); err != nil {
			return fmt.Errorf("enqueue id %d of %d: %w", n, count, err)
		}
		if every > 0 && n%uint64(every) == 0 {
			logger.Info("added device ids", zap.Uint64("added", n))
		}
	}

	return nil
}

func retry(
	ctx context.Context,
	logger *zap.Logger,
	op string,
	attempts uint,
	delay time.Duration,
	fn func(context.Context) error,
) error {
	if attempts == 0 {
		attempts = 1
	}
	tries := uint(0)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := fn(ctx)
		if err != nil && errors.Is(err, context.Canceled) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn(op+" failed, retrying",
				zap.Uint("attempt", tries), zap.Uint("of", attempts),
				zap.Duration("retryIn", next), zap.Error(err))
		}),
	)

	return err
}
