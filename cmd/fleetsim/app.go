package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/fleetsim"
	"github.com/arloliu/fleetsim/fleet"
	"github.com/arloliu/fleetsim/lease"
	"github.com/arloliu/fleetsim/pool"
	"github.com/arloliu/fleetsim/pool/natsqueue"
	"github.com/arloliu/fleetsim/registry"
	"github.com/arloliu/fleetsim/registry/iothub"
	"github.com/arloliu/fleetsim/secrets"
	"github.com/arloliu/fleetsim/telemetry"
	"github.com/arloliu/fleetsim/transport"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// app owns the long-lived clients of one CLI invocation.
type app struct {
	cfg       *fleetsim.Config
	logger    *zap.Logger
	providers *telemetry.Providers
	nc        *nats.Conn
}

func newApp(cfg *fleetsim.Config, logger *zap.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Debug("nats drain", zap.Error(err))
		}
	}
	if a.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.providers.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}

func (a *app) telemetry(ctx context.Context) (*telemetry.Providers, error) {
	if a.providers == nil {
		p, err := telemetry.New(ctx, a.cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.providers = p
	}

	return a.providers, nil
}

func (a *app) credentials(ctx context.Context) (secrets.Credentials, error) {
	var source secrets.Source
	if a.cfg.Secrets.Source == secrets.KindKeyVault {
		kv, err := secrets.NewKeyVault(a.cfg.Secrets.VaultName, a.cfg.Secrets.ManagedIdentityClientID)
		if err != nil {
			return secrets.Credentials{}, err
		}
		source = kv
	}

	creds, err := secrets.NewResolver(a.cfg.Secrets, source).Resolve(ctx)
	if err != nil {
		return secrets.Credentials{}, fmt.Errorf("resolve secrets: %w", err)
	}

	return creds, nil
}

func (a *app) registry(ctx context.Context, creds secrets.Credentials) (*iothub.Client, error) {
	p, err := a.telemetry(ctx)
	if err != nil {
		return nil, err
	}
	client, err := iothub.NewFromConfig(a.cfg.Registry, creds.IoTHubConnectionString,
		iothub.WithProviders(p.TracerProvider, p.MeterProvider, p.Propagator))
	if err != nil {
		return nil, fmt.Errorf("registry client: %w", err)
	}

	return client, nil
}

// queue opens the configured identity pool store.
func (a *app) queue(ctx context.Context) (pool.Queue, error) {
	if a.cfg.Pool.Backend == fleetsim.BackendMemory {
		return pool.NewMemoryQueue(a.cfg.Pool.Visibility), nil
	}

	p, err := a.telemetry(ctx)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(a.cfg.Pool.NATS.URL, nats.Name("fleetsim"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", a.cfg.Pool.NATS.URL, err)
	}
	a.nc = nc
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return natsqueue.New(js, a.cfg.Pool.NATS,
		natsqueue.WithTracerProvider(p.TracerProvider),
		natsqueue.WithPropagator(p.Propagator),
		natsqueue.WithLogger(a.logger),
	), nil
}

func (a *app) init(ctx context.Context) error {
	q, err := a.queue(ctx)
	if err != nil {
		return err
	}

	return pool.BulkPopulate(ctx, q, a.cfg.Pool.Count, a.cfg.Pool.Bulk, a.logger)
}

func (a *app) cleanup(ctx context.Context, workers int) error {
	creds, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	client, err := a.registry(ctx, creds)
	if err != nil {
		return err
	}
	res, err := deprovisionRange(ctx, registry.NewGateway(client, a.logger), 1, a.cfg.Pool.Count, workers, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("cleanup finished",
		zap.Int64("deleted", res.deleted),
		zap.Int64("failed", res.failed))

	return nil
}

func (a *app) run(ctx context.Context) error {
	// One id tags both the exported telemetry and the run summary.
	runID := uuid.NewString()
	if a.cfg.Telemetry.ResourceAttributes == nil {
		a.cfg.Telemetry.ResourceAttributes = make(map[string]string)
	}
	a.cfg.Telemetry.ResourceAttributes["fleetsim.run.id"] = runID

	p, err := a.telemetry(ctx)
	if err != nil {
		return err
	}
	inst, err := lease.NewInstruments(p.MeterProvider)
	if err != nil {
		return fmt.Errorf("instruments: %w", err)
	}
	creds, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	client, err := a.registry(ctx, creds)
	if err != nil {
		return err
	}
	if creds.HostName == "" {
		creds.HostName = client.HostName()
	}
	if creds.Endpoint == "" {
		creds.Endpoint = creds.HostName
	}
	if creds.TrustAnchor == nil && !a.cfg.Session.AllowInsecure {
		return errors.New("no trust anchor configured; set secrets.values.certificate or session.allowInsecure")
	}

	q, err := a.queue(ctx)
	if err != nil {
		return err
	}
	if a.cfg.Pool.Backend == fleetsim.BackendMemory {
		if err := pool.BulkPopulate(ctx, q, a.cfg.Pool.Count, a.cfg.Pool.Bulk, a.logger); err != nil {
			return err
		}
	}

	ids := pool.New(q, pool.WithLogger(a.logger))
	gateway := registry.NewGateway(client, a.logger)
	dialer := transport.NewMQTTDialer(a.cfg.Transport, a.logger)
	target := lease.Target{HubHost: creds.HostName, Host: creds.Endpoint, TrustAnchor: creds.TrustAnchor}

	runner, err := fleet.NewRunner(a.cfg.Fleet, func(_ int, logger *zap.Logger) fleet.Session {
		return lease.New(a.cfg.Session, target, ids, gateway, dialer,
			lease.WithLogger(logger),
			lease.WithTracerProvider(p.TracerProvider),
			lease.WithLoggerProvider(p.LoggerProvider),
			lease.WithInstruments(inst),
		)
	}, fleet.WithLogger(a.logger), fleet.WithRunID(runID))
	if err != nil {
		return err
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(summary)

	return nil
}

func printSummary(s fleet.Summary) {
	fmt.Printf(`
Run %s finished after %v
  users spawned      %d
  sessions           %d (%d failed)
  messages published %d (%d suppressed)
  tokens renewed     %d
  ack failures       %d
  partial releases   %d
`, s.RunID, s.Elapsed.Round(time.Millisecond), s.Spawned, s.Sessions, s.Failed,
		s.Published, s.Suppressed, s.Renewals, s.AckFailed, s.PartialReleases)
}
