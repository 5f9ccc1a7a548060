package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/fleetsim/identity"
	"github.com/arloliu/fleetsim/lease"
	"github.com/arloliu/fleetsim/pool"
	"github.com/arloliu/fleetsim/registry"
	"github.com/arloliu/fleetsim/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedSession struct {
	runs    atomic.Int64
	failFor int64
	block   bool
	panics  bool
}

func (s *scriptedSession) Run(ctx context.Context) (lease.Result, error) {
	n := s.runs.Inc()
	if s.panics {
		panic("session exploded")
	}
	if s.block {
		<-ctx.Done()
		return lease.Result{DeviceID: "x", Release: &lease.ReleaseReport{}}, nil
	}
	res := lease.Result{DeviceID: "x", Published: 2, Suppressed: 1, Release: &lease.ReleaseReport{}}
	if n <= s.failFor {
		return res, &lease.PhaseError{Phase: lease.Connecting, Err: transport.ErrHandshake}
	}

	return res, nil
}

func testConfig() Config {
	return Config{Users: ptr(1), SpawnRate: 1000, RestartDelay: ptr(time.Millisecond)}
}

func TestRunner_RestartsAfterFailure(t *testing.T) {
	session := &scriptedSession{failFor: 2}
	cfg := testConfig()
	cfg.MaxCycles = 4
	r, err := NewRunner(cfg, func(int, *zap.Logger) Session { return session }, WithRunID("run-1"))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), session.runs.Load())
	assert.Equal(t, int64(4), summary.Sessions)
	assert.Equal(t, int64(2), summary.Failed)
	assert.Equal(t, int64(8), summary.Published)
	assert.Equal(t, int64(4), summary.Suppressed)
	assert.Equal(t, int64(1), summary.Spawned)
	assert.Equal(t, int64(0), summary.Active)
	assert.Equal(t, "run-1", summary.RunID)
}

func TestRunner_SpawnsEveryUser(t *testing.T) {
	var mu sync.Mutex
	users := make(map[int]bool)
	cfg := testConfig()
	cfg.Users = ptr(5)
	cfg.MaxCycles = 1
	r, err := NewRunner(cfg, func(user int, _ *zap.Logger) Session {
		mu.Lock()
		users[user] = true
		mu.Unlock()

		return &scriptedSession{}
	}, WithRunID("run-1"))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, int64(5), summary.Spawned)
	assert.Equal(t, int64(5), summary.Sessions)
	assert.Len(t, users, 5)
}

func TestRunner_DurationStopsUsers(t *testing.T) {
	cfg := testConfig()
	cfg.Users = ptr(3)
	cfg.Duration = 50 * time.Millisecond
	r, err := NewRunner(cfg, func(int, *zap.Logger) Session { return &scriptedSession{block: true} })
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Sessions)
	assert.Equal(t, int64(0), summary.Failed, "sessions ended by the run are not failures")
	assert.GreaterOrEqual(t, summary.Elapsed, 50*time.Millisecond)
}

func TestRunner_CancelDuringRestartDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RestartDelay = ptr(time.Hour)
	session := &scriptedSession{failFor: 100}
	r, err := NewRunner(cfg, func(int, *zap.Logger) Session { return session })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Sessions)
	assert.Equal(t, int64(1), summary.Failed)
}

func TestRunner_PanicIsContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cfg := testConfig()
	cfg.Users = ptr(2)
	cfg.MaxCycles = 1
	r, err := NewRunner(cfg, func(user int, _ *zap.Logger) Session {
		return &scriptedSession{panics: user == 0}
	}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Sessions)
	assert.Equal(t, 1, logs.FilterMessage("user panicked").Len())
}

func TestNewRunner_Invalid(t *testing.T) {
	_, err := NewRunner(Config{Users: ptr(0), SpawnRate: 1}, func(int, *zap.Logger) Session { return nil })
	require.Error(t, err)

	_, err = NewRunner(testConfig(), nil)
	require.Error(t, err)
}

func TestConfig(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	require.Error(t, Config{Users: ptr(1)}.Validate())
	require.Error(t, Config{Users: ptr(1), SpawnRate: 1, Duration: -time.Second}.Validate())
	require.Error(t, Config{SpawnRate: 1, RestartDelay: ptr(-time.Second)}.Validate())
	require.NoError(t, Config{SpawnRate: 1}.Validate())
	assert.Equal(t, 250*time.Millisecond, Config{SpawnRate: 4}.spawnInterval())
	assert.Equal(t, time.Nanosecond, Config{SpawnRate: 2e9}.spawnInterval())

	var unset Config
	assert.Equal(t, 1, unset.users())
	assert.Equal(t, 5*time.Second, unset.restartDelay())
	assert.Zero(t, Config{RestartDelay: ptr(time.Duration(0))}.restartDelay())
}

func TestRunner_HugeSpawnRate(t *testing.T) {
	session := &scriptedSession{}
	cfg := testConfig()
	cfg.Users = ptr(3)
	cfg.SpawnRate = 2e9
	cfg.MaxCycles = 1
	r, err := NewRunner(cfg, func(int, *zap.Logger) Session { return session })
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Spawned)
	assert.Equal(t, int64(3), session.runs.Load())
}

func TestRunner_ZeroRestartDelay(t *testing.T) {
	session := &scriptedSession{failFor: 3}
	cfg := testConfig()
	cfg.RestartDelay = ptr(time.Duration(0))
	cfg.MaxCycles = 4
	r, err := NewRunner(cfg, func(int, *zap.Logger) Session { return session })
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Sessions)
	assert.Equal(t, int64(3), summary.Failed)
}

// exclusiveDialer fails the test when two connections for one device are open at once.
type exclusiveDialer struct {
	mu         sync.Mutex
	open       map[string]bool
	violations []string
	dials      int
}

type exclusiveConn struct {
	d  *exclusiveDialer
	id string
}

func (c *exclusiveConn) Publish(string, byte, []byte) error { return nil }

func (c *exclusiveConn) Close() {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	delete(c.d.open, c.id)
}

func (d *exclusiveDialer) Dial(_ context.Context, req transport.DialRequest) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.open[req.ClientID] {
		d.violations = append(d.violations, req.ClientID)
	}
	d.open[req.ClientID] = true

	return &exclusiveConn{d: d, id: req.ClientID}, nil
}

func TestRunner_LeaseSessionsShareThePool(t *testing.T) {
	queue := pool.NewMemoryQueue(time.Minute)
	ids := identity.Range(1, 2)
	for _, id := range ids {
		require.NoError(t, queue.Enqueue(context.Background(), id))
	}
	p := pool.New(queue)
	reg := registry.NewMemoryRegistry()
	gw := registry.NewGateway(reg, nil)
	dialer := &exclusiveDialer{open: make(map[string]bool)}

	var sessionCfg lease.Config
	sessionCfg.PublishInterval = time.Millisecond
	sessionCfg.MaxMessages = 2
	sessionCfg.AcquireTimeout = 5 * time.Second
	sessionCfg.ReleaseTimeout = time.Second
	sessionCfg.TokenValidity = time.Hour
	sessionCfg.PublishJitter = ptr(time.Duration(0))
	sessionCfg.RenewMargin = ptr(5 * time.Minute)
	sessionCfg.Metadata.Enabled = ptr(false)
	sessionCfg.APIVersion = "2021-04-12"
	sessionCfg.Port = transport.DefaultPort
	sessionCfg.AllowInsecure = true
	sessionCfg.Temperature.Min, sessionCfg.Temperature.Max = ptr(20.0), ptr(25.0)

	cfg := Config{Users: ptr(4), SpawnRate: 1000, Duration: 300 * time.Millisecond, RestartDelay: ptr(time.Millisecond)}
	r, err := NewRunner(cfg, func(_ int, logger *zap.Logger) Session {
		return lease.New(sessionCfg, lease.Target{HubHost: "hub.azure-devices.net"}, p, gw, dialer, lease.WithLogger(logger))
	})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, dialer.violations, "a device was connected twice at once")
	assert.Greater(t, summary.Sessions, int64(2), fmt.Sprintf("%+v", summary))
	assert.Equal(t, int64(0), summary.Failed)
	assert.Equal(t, int64(0), summary.PartialReleases)
	assert.ElementsMatch(t, ids, queue.Bodies(), "every leased identity is back in the pool")
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, dialer.open)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), 0))
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.False(t, sleep(ctx, 0))
}

func ptr[T any](v T) *T { return &v }
