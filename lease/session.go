// Package lease runs the lifecycle of one simulated device: lease an identity
// from the pool, provision it, authenticate, connect, publish telemetry, and
// give everything back.
//
// A Session walks the phases
//
//	Idle -> Acquiring -> Provisioning -> Authenticating -> Connecting -> Active -> Releasing -> Idle
//
// and jumps to Releasing from any phase on a fatal error. Once an identity is
// acquired, Releasing always runs, also when the context is cancelled: it
// disconnects the transport, deprovisions the device and returns the id to
// the pool, each step attempted independently. Teardown failures are reported
// in the Result and logged, never returned as the session error.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arloliu/fleetsim/identity"
	"github.com/arloliu/fleetsim/pool"
	"github.com/arloliu/fleetsim/registry"
	"github.com/arloliu/fleetsim/token"
	"github.com/arloliu/fleetsim/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Target is where devices authenticate and connect.
type Target struct {
	// HubHost is the registry host name tokens and usernames are scoped to.
	HubHost string
	// Host is the MQTT endpoint; HubHost when empty.
	Host string
	// TrustAnchor is a PEM CA bundle for the endpoint.
	TrustAnchor []byte
}

// Result summarizes one run of a Session.
type Result struct {
	DeviceID  string
	Phases    []Phase
	Published int
	// Suppressed counts readings dropped because the transport was not connected.
	Suppressed int
	Renewals   int
	AckFailed  bool
	// Release is nil when no identity was acquired.
	Release *ReleaseReport
}

// Session is one simulated device lifecycle. It is not safe for concurrent
// Runs; Phase may be read from any goroutine.
type Session struct {
	cfg       Config
	target    Target
	pool      *pool.Pool
	gateway   *registry.Gateway
	transport *transport.Session
	issuer    *token.Issuer

	logger *zap.Logger
	events otellog.Logger
	tracer trace.Tracer
	inst   *Instruments
	now    func() time.Time
	rand   *rand.Rand

	phase *atomic.Int32

	mutex  sync.Mutex
	phases []Phase
}

type sessionOptions struct {
	logger *zap.Logger
	lp     otellog.LoggerProvider
	tp     trace.TracerProvider
	inst   *Instruments
	now    func() time.Time
	rand   *rand.Rand
}

// Option configures a Session.
type Option func(*sessionOptions)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithLoggerProvider emits lifecycle events as OTel log records.
func WithLoggerProvider(lp otellog.LoggerProvider) Option {
	return func(o *sessionOptions) { o.lp = lp }
}

// WithTracerProvider sets the TracerProvider for phase spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *sessionOptions) { o.tp = tp }
}

// WithInstruments records session metrics on inst.
func WithInstruments(inst *Instruments) Option {
	return func(o *sessionOptions) { o.inst = inst }
}

// WithClock overrides the time source used for tokens and metadata.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) { o.now = now }
}

// WithRand sets the source of publish jitter and readings.
func WithRand(r *rand.Rand) Option {
	return func(o *sessionOptions) { o.rand = r }
}

// New creates an idle Session.
//
// Panics if p, gw or dialer is nil.
func New(cfg Config, target Target, p *pool.Pool, gw *registry.Gateway, dialer transport.Dialer, opts ...Option) *Session {
	if p == nil || gw == nil || dialer == nil {
		panic("lease: pool, gateway and dialer must not be nil")
	}
	o := sessionOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.lp == nil {
		o.lp = lognoop.NewLoggerProvider()
	}
	if o.tp == nil {
		o.tp = tracenoop.NewTracerProvider()
	}
	if o.inst == nil {
		o.inst = noopInstruments()
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if target.Host == "" {
		target.Host = target.HubHost
	}

	return &Session{
		cfg:       cfg,
		target:    target,
		pool:      p,
		gateway:   gw,
		transport: transport.NewSession(dialer, transport.WithLogger(o.logger)),
		issuer:    token.NewIssuer(target.HubHost, token.WithClock(o.now), token.WithValidity(cfg.TokenValidity)),
		logger:    o.logger,
		events:    o.lp.Logger(instrumentationName),
		tracer:    o.tp.Tracer(instrumentationName),
		inst:      o.inst,
		now:       o.now,
		rand:      o.rand,
		phase:     atomic.NewInt32(int32(Idle)),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) enter(p Phase) {
	s.phase.Store(int32(p))
	s.mutex.Lock()
	s.phases = append(s.phases, p)
	s.mutex.Unlock()
}

func (s *Session) history() []Phase {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]Phase(nil), s.phases...)
}

// Run executes one full lifecycle. It returns a *PhaseError when setup or the
// active phase fails, and nil when the session ends by MaxMessages or by
// cancellation of ctx during the active phase.
func (s *Session) Run(ctx context.Context) (Result, error) {
	s.mutex.Lock()
	s.phases = s.phases[:0]
	s.mutex.Unlock()
	suppressed := s.transport.Suppressed()

	ctx, span := s.tracer.Start(ctx, "lease.session")
	defer span.End()

	s.enter(Acquiring)
	acquired, err := s.acquire(ctx)
	if err != nil {
		s.enter(Idle)
		err = s.fatal(ctx, Acquiring, err)
		span.SetStatus(codes.Error, err.Error())

		return Result{Phases: s.history()}, err
	}

	log := s.logger.With(zap.String("device.id", acquired.Device.ID))
	span.SetAttributes(attribute.String("device.id", acquired.Device.ID))
	s.inst.started.Add(ctx, 1)

	w := &work{lease: acquired, log: log}
	runErr := s.work(ctx, w)

	s.enter(Releasing)
	report := s.release(ctx, w)
	s.enter(Idle)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	return Result{
		DeviceID:   acquired.Device.ID,
		Phases:     s.history(),
		Published:  w.published,
		Suppressed: int(s.transport.Suppressed() - suppressed),
		Renewals:   w.renewals,
		AckFailed:  acquired.AckFailed,
		Release:    &report,
	}, runErr
}

// work is the per-run state after acquisition.
type work struct {
	lease     identity.Lease
	log       *zap.Logger
	token     token.AccessToken
	published int
	renewals  int
}

func (s *Session) acquire(ctx context.Context) (identity.Lease, error) {
	ctx, span := s.tracer.Start(ctx, "lease.acquire")
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	l, err := s.pool.Acquire(actx)
	if err != nil {
		recordSpanError(span, err)
		return identity.Lease{}, err
	}
	span.SetAttributes(attribute.String("device.id", l.Device.ID), attribute.Bool("ack.failed", l.AckFailed))
	if l.AckFailed {
		s.inst.ackFailed.Add(ctx, 1)
	}
	s.emit(ctx, otellog.SeverityInfo, "identity acquired", l.Device.ID)

	return l, nil
}

// work runs Provisioning through Active.
func (s *Session) work(ctx context.Context, w *work) error {
	started := s.now()
	id := w.lease.Device.ID

	s.enter(Provisioning)
	key, err := s.provision(ctx, id)
	if err != nil {
		return s.fatal(ctx, Provisioning, err)
	}
	w.lease.Device.Key = key

	s.enter(Authenticating)
	if w.token, err = s.issuer.IssueDevice(id, key); err != nil {
		return s.fatal(ctx, Authenticating, err)
	}

	s.enter(Connecting)
	if err := s.connect(ctx, w); err != nil {
		return s.fatal(ctx, Connecting, err)
	}
	s.inst.setupDuration.Record(ctx, s.now().Sub(started).Seconds())
	s.emit(ctx, otellog.SeverityInfo, "device connected", id)
	w.log.Info("device connected", zap.Time("token.expiry", w.token.Expiry))

	s.enter(Active)
	s.inst.active.Add(ctx, 1)
	defer s.inst.active.Add(context.WithoutCancel(ctx), -1)
	if err := s.active(ctx, w); err != nil {
		return s.fatal(ctx, Active, err)
	}

	return nil
}

func (s *Session) provision(ctx context.Context, id string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "lease.provision", trace.WithAttributes(attribute.String("device.id", id)))
	defer span.End()

	key, err := s.gateway.EnsureIdentity(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	if s.cfg.Metadata.IsEnabled() {
		if err := s.gateway.ApplyMetadata(ctx, id, s.cfg.Metadata.Patch(s.now())); err != nil {
			recordSpanError(span, err)
			return "", err
		}
	}

	return key, nil
}

func (s *Session) connect(ctx context.Context, w *work) error {
	id := w.lease.Device.ID
	ctx, span := s.tracer.Start(ctx, "lease.connect", trace.WithAttributes(
		attribute.String("device.id", id),
		attribute.String("server.address", s.target.Host),
		attribute.Int("server.port", s.cfg.Port),
	))
	defer span.End()

	err := s.transport.Connect(ctx, transport.ConnectParams{
		Host:          s.target.Host,
		Port:          s.cfg.Port,
		DeviceID:      id,
		Username:      transport.Username(s.target.HubHost, id, s.cfg.APIVersion),
		Password:      w.token.String(),
		TrustAnchor:   s.target.TrustAnchor,
		AllowInsecure: s.cfg.AllowInsecure,
	})
	if err != nil {
		recordSpanError(span, err)
	}

	return err
}

// active publishes until MaxMessages, cancellation, or a lost connection.
func (s *Session) active(ctx context.Context, w *work) error {
	topic := transport.TelemetryTopic(w.lease.Device.ID, s.cfg.Properties)
	lo, hi := s.cfg.TemperatureRange()
	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("active phase cancelled", zap.Int("published", w.published))
			return nil
		case err := <-s.transport.Lost():
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		case <-timer.C:
		}

		if w.token.NeedsRenewal(s.now(), s.cfg.Margin()) {
			if err := s.renew(ctx, w); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("renew token: %w", err)
			}
		}

		payload, err := newReading(s.rand, lo, hi).encode()
		if err != nil {
			return fmt.Errorf("encode reading: %w", err)
		}
		if s.transport.Publish(topic, payload) {
			w.published++
			s.inst.published.Add(ctx, 1)
		}

		if s.cfg.MaxMessages > 0 && w.published >= s.cfg.MaxMessages {
			return nil
		}
		timer.Reset(s.nextInterval())
	}
}

// renew issues a fresh token and reconnects with it.
func (s *Session) renew(ctx context.Context, w *work) error {
	tok, err := s.issuer.IssueDevice(w.lease.Device.ID, w.lease.Device.Key)
	if err != nil {
		return err
	}
	w.token = tok
	s.transport.Disconnect()
	if err := s.connect(ctx, w); err != nil {
		return err
	}
	w.renewals++
	s.inst.renewed.Add(ctx, 1)
	w.log.Debug("token renewed", zap.Time("token.expiry", tok.Expiry))

	return nil
}

func (s *Session) nextInterval() time.Duration {
	d := s.cfg.PublishInterval
	if j := s.cfg.Jitter(); j > 0 {
		d += time.Duration((s.rand.Float64()*2 - 1) * float64(j))
	}

	return max(d, time.Millisecond)
}

// release runs every teardown step on a context that outlives cancellation of ctx.
func (s *Session) release(ctx context.Context, w *work) ReleaseReport {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
	defer cancel()
	rctx, span := s.tracer.Start(rctx, "lease.release", trace.WithAttributes(attribute.String("device.id", w.lease.Device.ID)))
	defer span.End()

	id := w.lease.Device.ID
	report := ReleaseReport{DeviceID: id}
	report.Disconnect = guard(func() error {
		s.transport.Disconnect()
		return nil
	})
	report.Deprovision = guard(func() error { return s.gateway.Deprovision(rctx, id) })
	report.Release = guard(func() error { return s.pool.Release(rctx, w.lease) })

	s.inst.recordReleased(rctx, report)
	if err := report.Err(); err != nil {
		recordSpanError(span, err)
		w.log.Warn("release incomplete", zap.Error(err))
		s.emit(rctx, otellog.SeverityWarn, "release incomplete", id)
	} else {
		w.log.Info("identity released", zap.Int("published", w.published), zap.Duration("held", w.lease.Held(s.now())))
		s.emit(rctx, otellog.SeverityInfo, "identity released", id)
	}

	return report
}

func (s *Session) fatal(ctx context.Context, p Phase, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		s.logger.Debug("session cancelled", zap.Stringer("phase", p))
	} else {
		s.logger.Error("session failed", zap.Stringer("phase", p), zap.Error(err))
	}
	s.inst.failed.Add(context.WithoutCancel(ctx), 1, phaseAttr(p))

	return &PhaseError{Phase: p, Err: err}
}

func (s *Session) emit(ctx context.Context, sev otellog.Severity, msg, deviceID string) {
	var rec otellog.Record
	rec.SetTimestamp(s.now())
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(msg))
	rec.AddAttributes(otellog.String("device.id", deviceID))
	s.events.Emit(ctx, rec)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
