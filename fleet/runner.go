// Package fleet runs many lease sessions concurrently, one per simulated user.
//
// Users are started at a fixed spawn rate and each cycles through lease
// sessions until the run ends. A failed session is isolated to its user, which
// starts over after a restart delay. Cancelling the run context stops every
// user; sessions in flight still go through their release phase.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/fleetsim/lease"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Session is one user's lease lifecycle; *lease.Session implements it.
type Session interface {
	Run(ctx context.Context) (lease.Result, error)
}

// SessionFactory creates the session reused by one user for all its cycles.
type SessionFactory func(user int, logger *zap.Logger) Session

// Runner drives a fleet of users.
type Runner struct {
	cfg     Config
	factory SessionFactory
	logger  *zap.Logger
	now     func() time.Time
	runID   string
	stats   Stats
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, factory SessionFactory, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}
	if factory == nil {
		return nil, errors.New("fleet: session factory must not be nil")
	}
	r := &Runner{
		cfg:     cfg,
		factory: factory,
		logger:  zap.NewNop(),
		now:     time.Now,
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("run.id", r.runID))

	return r, nil
}

// Run spawns the users and blocks until the duration elapses or ctx is
// cancelled and every user has finished its current session.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := r.now()
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	workers, err := ants.NewPool(r.cfg.users(), ants.WithPanicHandler(func(p any) {
		r.logger.Error("user panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return Summary{}, fmt.Errorf("create user pool: %w", err)
	}
	defer workers.Release()

	r.logger.Info("fleet starting",
		zap.Int("users", r.cfg.users()),
		zap.Float64("spawn.rate", r.cfg.SpawnRate),
		zap.Duration("duration", r.cfg.Duration))

	r.spawn(ctx, workers, &wg)
	wg.Wait()

	summary := r.stats.snapshot(r.runID, r.now().Sub(started))
	r.logger.Info("fleet finished", summary.Fields()...)

	return summary, nil
}

func (r *Runner) spawn(ctx context.Context, workers *ants.Pool, wg *sync.WaitGroup) {
	ticker := time.NewTicker(r.cfg.spawnInterval())
	defer ticker.Stop()

	for user := range r.cfg.users() {
		if user > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		wg.Add(1)
		err := workers.Submit(func() {
			defer wg.Done()
			r.user(ctx, user)
		})
		if err != nil {
			wg.Done()
			r.logger.Error("failed to start user", zap.Int("user", user), zap.Error(err))

			continue
		}
		r.stats.spawned.Inc()
	}
}

// user cycles lease sessions until ctx ends or MaxCycles is reached.
func (r *Runner) user(ctx context.Context, user int) {
	log := r.logger.With(zap.Int("user", user))
	session := r.factory(user, log)
	r.stats.active.Inc()
	defer r.stats.active.Dec()

	for cycle := 1; r.cfg.MaxCycles == 0 || cycle <= r.cfg.MaxCycles; cycle++ {
		if ctx.Err() != nil {
			return
		}
		res, err := session.Run(ctx)
		stopped := ctx.Err() != nil
		r.stats.record(res, err != nil && !stopped)
		if stopped {
			return
		}
		if err == nil {
			continue
		}

		var pe *lease.PhaseError
		if errors.As(err, &pe) {
			log.Info("session failed, restarting",
				zap.Stringer("phase", pe.Phase),
				zap.Duration("delay", r.cfg.restartDelay()))
		}
		if !sleep(ctx, r.cfg.restartDelay()) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
