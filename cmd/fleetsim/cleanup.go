package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/fleetsim/identity"
	"github.com/arloliu/fleetsim/registry"
	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	deprovisionAttempts = 3
	deprovisionDelay    = time.Second
)

type cleanupResult struct {
	deleted int64
	failed  int64
}

// deprovisionRange deletes ids first..last from the registry. Absent devices
// count as deleted; a device that still fails after retries is logged and
// skipped.
func deprovisionRange(ctx context.Context, gw *registry.Gateway, first, last uint64, workers int, logger *zap.Logger) (cleanupResult, error) {
	workers = max(workers, 1)
	workerPool, err := ants.NewPool(workers)
	if err != nil {
		return cleanupResult{}, fmt.Errorf("create worker pool: %w", err)
	}
	defer workerPool.Release()

	var (
		wg      sync.WaitGroup
		deleted atomic.Int64
		failed  atomic.Int64
	)
	for _, id := range identity.Range(first, last) {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := workerPool.Submit(func() {
			defer wg.Done()
			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				return struct{}{}, gw.Deprovision(ctx, id)
			},
				backoff.WithBackOff(backoff.NewConstantBackOff(deprovisionDelay)),
				backoff.WithMaxTries(deprovisionAttempts),
				backoff.WithMaxElapsedTime(0),
			)
			if err != nil {
				failed.Inc()
				logger.Warn("deprovision failed, skipping", zap.String("device.id", id), zap.Error(err))

				return
			}
			if n := deleted.Inc(); n%100 == 0 {
				logger.Info("deprovision progress", zap.Int64("deleted", n))
			}
		})
		if err != nil {
			wg.Done()
			return cleanupResult{}, fmt.Errorf("submit %s: %w", id, err)
		}
	}
	wg.Wait()

	return cleanupResult{deleted: deleted.Load(), failed: failed.Load()}, ctx.Err()
}
