package lease

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/arloliu/fleetsim/lease"

// Instruments are the session metrics. One set is shared by all sessions of a fleet.
type Instruments struct {
	started       metric.Int64Counter
	failed        metric.Int64Counter
	published     metric.Int64Counter
	renewed       metric.Int64Counter
	releases      metric.Int64Counter
	ackFailed     metric.Int64Counter
	active        metric.Int64UpDownCounter
	setupDuration metric.Float64Histogram
}

// NewInstruments creates the instruments on mp. A nil mp yields no-op instruments.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		inst Instruments
		errs []error
		err  error
	)
	inst.started, err = meter.Int64Counter("fleetsim.sessions.started",
		metric.WithDescription("Lease sessions that acquired an identity"))
	errs = append(errs, err)
	inst.failed, err = meter.Int64Counter("fleetsim.sessions.failed",
		metric.WithDescription("Lease sessions ended by a fatal error, by phase"))
	errs = append(errs, err)
	inst.published, err = meter.Int64Counter("fleetsim.messages.published",
		metric.WithDescription("Telemetry messages handed to the transport"))
	errs = append(errs, err)
	inst.renewed, err = meter.Int64Counter("fleetsim.tokens.renewed",
		metric.WithDescription("Access tokens re-issued during the active phase"))
	errs = append(errs, err)
	inst.releases, err = meter.Int64Counter("fleetsim.releases",
		metric.WithDescription("Teardowns, by outcome"))
	errs = append(errs, err)
	inst.ackFailed, err = meter.Int64Counter("fleetsim.pool.ack_failed",
		metric.WithDescription("Identities handed out without a confirmed acknowledgement"))
	errs = append(errs, err)
	inst.active, err = meter.Int64UpDownCounter("fleetsim.sessions.active",
		metric.WithDescription("Lease sessions currently in the active phase"))
	errs = append(errs, err)
	inst.setupDuration, err = meter.Float64Histogram("fleetsim.session.setup.duration",
		metric.WithDescription("Time from the start of provisioning to the first connected state"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &inst, nil
}

func noopInstruments() *Instruments {
	inst, _ := NewInstruments(nil)
	return inst
}

func phaseAttr(p Phase) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("phase", p.String()))
}

func (i *Instruments) recordReleased(ctx context.Context, report ReleaseReport) {
	i.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", report.Outcome())))
}
