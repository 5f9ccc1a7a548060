package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Gateway implements the provisioning operations of a lease session.
type Gateway struct {
	registry Registry
	logger   *zap.Logger
	group    singleflight.Group
}

// NewGateway creates a Gateway over r. A nil logger disables logging.
//
// Panics if r is nil.
func NewGateway(r Registry, logger *zap.Logger) *Gateway {
	if r == nil {
		panic("registry: registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{registry: r, logger: logger}
}

// EnsureIdentity registers id unless it already exists and returns its key
// either way. Concurrent calls for the same id share one backend round trip,
// which is detached from any single caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (g *Gateway) EnsureIdentity(ctx context.Context, id string) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(id, func() (any, error) {
		return g.ensure(shared, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway) ensure(ctx context.Context, id string) (string, error) {
	key, err := g.registry.Create(ctx, id)
	if err == nil {
		g.logger.Debug("device created", zap.String("device.id", id))
		return key, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return "", fmt.Errorf("create device %s: %w", id, err)
	}

	key, err = g.registry.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get existing device %s: %w", id, err)
	}
	g.logger.Debug("device already registered", zap.String("device.id", id))

	return key, nil
}

// ApplyMetadata merges patch onto the twin of id, last writer wins.
func (g *Gateway) ApplyMetadata(ctx context.Context, id string, patch Patch) error {
	if err := g.registry.UpdateTwin(ctx, id, patch, AnyETag); err != nil {
		return fmt.Errorf("update twin %s: %w", id, err)
	}

	return nil
}

// Deprovision removes id from the registry. An unregistered id is not an error.
func (g *Gateway) Deprovision(ctx context.Context, id string) error {
	err := g.registry.Delete(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}

	return fmt.Errorf("delete device %s: %w", id, err)
}
