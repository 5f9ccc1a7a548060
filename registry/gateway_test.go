package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowRegistry delays Create so concurrent callers overlap.
type slowRegistry struct {
	*MemoryRegistry
	createCalls atomic.Int32
	deleteErr   error
}

func (r *slowRegistry) Create(ctx context.Context, id string) (string, error) {
	r.createCalls.Add(1)
	time.Sleep(20 * time.Millisecond)

	return r.MemoryRegistry.Create(ctx, id)
}

func (r *slowRegistry) Delete(ctx context.Context, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	return r.MemoryRegistry.Delete(ctx, id)
}

func TestGateway_EnsureIdentityCreatesThenFetches(t *testing.T) {
	reg := NewMemoryRegistry()
	g := NewGateway(reg, nil)
	ctx := context.Background()

	key, err := g.EnsureIdentity(ctx, "dev-1")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	again, err := g.EnsureIdentity(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, reg.Creates())
}

func TestGateway_EnsureIdentityConcurrent(t *testing.T) {
	reg := &slowRegistry{MemoryRegistry: NewMemoryRegistry()}
	g := NewGateway(reg, nil)

	const callers = 16
	keys := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = g.EnsureIdentity(context.Background(), "dev-1")
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i])
	}
	assert.Equal(t, 1, reg.Creates())
}

// gatedRegistry holds Create until release is closed or ctx is done.
type gatedRegistry struct {
	*MemoryRegistry
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *gatedRegistry) Create(ctx context.Context, id string) (string, error) {
	if r.calls.Add(1) == 1 {
		close(r.started)
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return r.MemoryRegistry.Create(ctx, id)
}

func TestGateway_EnsureIdentityCallerCancelDoesNotFailOthers(t *testing.T) {
	reg := &gatedRegistry{
		MemoryRegistry: NewMemoryRegistry(),
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	g := NewGateway(reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.EnsureIdentity(ctx, "dev-1")
		firstErr <- err
	}()
	<-reg.started

	type result struct {
		key string
		err error
	}
	second := make(chan result, 1)
	go func() {
		key, err := g.EnsureIdentity(context.Background(), "dev-1")
		second <- result{key, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(reg.release)
	res := <-second
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.key)
	assert.Equal(t, int32(1), reg.calls.Load())
	assert.True(t, reg.Has("dev-1"))
}

func TestGateway_EnsureIdentityPropagatesFailure(t *testing.T) {
	boom := errors.New("throttled")
	g := NewGateway(failingRegistry{err: boom}, nil)

	_, err := g.EnsureIdentity(context.Background(), "dev-1")
	require.ErrorIs(t, err, boom)
}

func TestGateway_DeprovisionIsIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	g := NewGateway(reg, nil)
	ctx := context.Background()

	_, err := g.EnsureIdentity(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, g.Deprovision(ctx, "dev-1"))
	assert.False(t, reg.Has("dev-1"))
	require.NoError(t, g.Deprovision(ctx, "dev-1"))
}

func TestGateway_DeprovisionFailure(t *testing.T) {
	boom := errors.New("unavailable")
	g := NewGateway(&slowRegistry{MemoryRegistry: NewMemoryRegistry(), deleteErr: boom}, nil)

	require.ErrorIs(t, g.Deprovision(context.Background(), "dev-1"), boom)
}

func TestGateway_ApplyMetadata(t *testing.T) {
	reg := NewMemoryRegistry()
	g := NewGateway(reg, nil)
	ctx := context.Background()
	_, err := g.EnsureIdentity(ctx, "dev-1")
	require.NoError(t, err)

	var md Metadata
	md.DeviceType = "sensor"
	md.Ring = "r1"
	md.EventHub.Name = "hub"
	md.EventHub.Namespace = "ns"
	md.EventHub.Policy = "device"
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	require.NoError(t, g.ApplyMetadata(ctx, "dev-1", md.Patch(now)))
	require.NoError(t, g.ApplyMetadata(ctx, "dev-1", md.Patch(now.Add(time.Hour))))

	twin, err := reg.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "sensor", twin.Tags["deviceType"])
	assert.Equal(t, "r1", twin.Desired["ring"])
	assert.Equal(t, "2026-05-04T04:02:01Z", twin.Desired["lastConfigurationChanged"])
	assert.Equal(t, map[string]any{"name": "hub", "namespace": "ns", "policy": "device"}, twin.Desired["eventhub"])
	assert.Equal(t, int64(3), twin.Version)

	require.ErrorIs(t, g.ApplyMetadata(ctx, "dev-2", md.Patch(now)), ErrNotFound)
}

func TestMemoryRegistry_UpdateTwinETag(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "dev-1")
	require.NoError(t, err)

	twin, err := reg.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateTwin(ctx, "dev-1", Patch{Desired: map[string]any{"a": 1}}, twin.ETag))
	require.ErrorIs(t, reg.UpdateTwin(ctx, "dev-1", Patch{Desired: map[string]any{"a": 2}}, twin.ETag), ErrPreconditionFailed)
	require.NoError(t, reg.UpdateTwin(ctx, "dev-1", Patch{Desired: map[string]any{"a": nil}}, AnyETag))

	twin, err = reg.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	assert.NotContains(t, twin.Desired, "a")
}

func TestMemoryRegistry_GetTwinIsDeepCopy(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, "dev-1")
	require.NoError(t, err)

	patch := Patch{Desired: map[string]any{
		"eventhub": map[string]any{"name": "hub"},
		"zones":    []any{"a", map[string]any{"id": "b"}},
	}}
	require.NoError(t, reg.UpdateTwin(ctx, "dev-1", patch, AnyETag))
	patch.Desired["zones"].([]any)[0] = "patched"

	twin, err := reg.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	twin.Desired["eventhub"].(map[string]any)["name"] = "changed"
	zones := twin.Desired["zones"].([]any)
	zones[0] = "changed"
	zones[1].(map[string]any)["id"] = "changed"

	again, err := reg.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "hub"}, again.Desired["eventhub"])
	assert.Equal(t, []any{"a", map[string]any{"id": "b"}}, again.Desired["zones"])
}

type failingRegistry struct {
	Registry
	err error
}

func (r failingRegistry) Create(context.Context, string) (string, error) {
	return "", r.err
}
