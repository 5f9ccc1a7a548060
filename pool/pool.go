// Package pool hands out exclusive device identities from a shared durable FIFO.
//
// Acquire pops the head of the queue and acknowledges it in one critical
// section, so no two callers of the same Pool interleave on one message.
// Release pushes the identity back to the tail. Both follow the queue's
// at-least-once semantics: when an acknowledgement fails the identity is still
// handed out (fail-open) and the lease is flagged, since the queue may deliver
// the same id again once its visibility window lapses.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/fleetsim/identity"
	"go.uber.org/zap"
)

// ErrEmptyIdentity is returned when the queue yields a message without a device id.
var ErrEmptyIdentity = errors.New("pool: empty identity message")

// Pool is the set of device identities not currently leased.
type Pool struct {
	queue  Queue
	logger *zap.Logger
	now    func() time.Time

	// turn serializes dequeue+ack; a buffered channel so waiters honor ctx.
	turn chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp leases.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a Pool over q.
//
// Panics if q is nil.
func New(q Queue, opts ...Option) *Pool {
	if q == nil {
		panic("pool: queue must not be nil")
	}
	p := &Pool{
		queue:  q,
		logger: zap.NewNop(),
		now:    time.Now,
		turn:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Queue returns the backing queue.
func (p *Pool) Queue() Queue {
	return p.queue
}

// Acquire blocks until an identity is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (identity.Lease, error) {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return identity.Lease{}, ctx.Err()
	}
	defer func() { <-p.turn }()

	d, err := p.queue.Dequeue(ctx)
	if err != nil {
		return identity.Lease{}, fmt.Errorf("dequeue identity: %w", err)
	}

	id := d.Body()
	if id == "" {
		// Drop the poison message so it does not come back forever.
		if ackErr := d.Ack(ctx); ackErr != nil {
			p.logger.Warn("cannot acknowledge empty identity message", zap.Error(ackErr))
		}

		return identity.Lease{}, ErrEmptyIdentity
	}

	lease := identity.Lease{
		Device:     identity.Device{ID: id},
		AcquiredAt: p.now(),
	}
	if err := d.Ack(ctx); err != nil {
		lease.AckFailed = true
		p.logger.Warn("identity acquired but not acknowledged, it may be delivered again",
			zap.String("device.id", id), zap.Error(err))
	}

	return lease, nil
}

// Release returns the leased identity to the tail of the pool. A failure is
// logged and returned for reporting; the identity is then lost from the pool
// until it is replenished externally.
func (p *Pool) Release(ctx context.Context, lease identity.Lease) error {
	id := lease.Device.ID
	if err := p.queue.Enqueue(ctx, id); err != nil {
		p.logger.Warn("cannot release identity to pool", zap.String("device.id", id), zap.Error(err))
		return fmt.Errorf("release %s: %w", id, err)
	}
	p.logger.Debug("identity released", zap.String("device.id", id),
		zap.Duration("held", lease.Held(p.now())))

	return nil
}
