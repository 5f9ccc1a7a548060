package iothub

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/fleetsim/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

// fakeHub serves the subset of the registry REST API used by Client.
type fakeHub struct {
	mu      sync.Mutex
	devices map[string]string
	twins   map[string][]byte
	auth    []string
	ifMatch []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{devices: map[string]string{}, twins: map[string][]byte{}}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	if r.URL.Query().Get("api-version") != DefaultAPIVersion {
		http.Error(w, `{"Message":"bad api version"}`, http.StatusBadRequest)
		return
	}

	kind, id, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	device := func(id string) []byte {
		b, _ := sjson.SetBytes([]byte(`{}`), "deviceId", id)
		b, _ = sjson.SetBytes(b, "authentication.symmetricKey.primaryKey", h.devices[id])
		return b
	}

	switch {
	case kind == "devices" && r.Method == http.MethodPut:
		if _, ok := h.devices[id]; ok {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"Message":"ErrorCode:DeviceAlreadyExists"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "deviceId").String() != id {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.devices[id] = "key-" + id
		h.twins[id] = []byte(`{"deviceId":"` + id + `","etag":"AAAAAAAAAAE=","version":2,"tags":{},"properties":{"desired":{}}}`)
		_, _ = w.Write(device(id))
	case kind == "devices" && r.Method == http.MethodGet:
		if _, ok := h.devices[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"Message":"ErrorCode:DeviceNotFound"}`))
			return
		}
		_, _ = w.Write(device(id))
	case kind == "devices" && r.Method == http.MethodDelete:
		h.ifMatch = append(h.ifMatch, r.Header.Get("If-Match"))
		if _, ok := h.devices[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(h.devices, id)
		delete(h.twins, id)
		w.WriteHeader(http.StatusNoContent)
	case kind == "twins" && r.Method == http.MethodGet:
		twin, ok := h.twins[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(twin)
	case kind == "twins" && r.Method == http.MethodPatch:
		h.ifMatch = append(h.ifMatch, r.Header.Get("If-Match"))
		twin, ok := h.twins[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gjson.GetBytes(body, "tags").ForEach(func(k, v gjson.Result) bool {
			twin, _ = sjson.SetRawBytes(twin, "tags."+k.String(), []byte(v.Raw))
			return true
		})
		gjson.GetBytes(body, "properties.desired").ForEach(func(k, v gjson.Result) bool {
			twin, _ = sjson.SetRawBytes(twin, "properties.desired."+k.String(), []byte(v.Raw))
			return true
		})
		h.twins[id] = twin
		_, _ = w.Write(twin)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, hub http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	cs := ConnectionString{HostName: "myhub.azure-devices.net", KeyName: "registryReadWrite", Key: testKey}
	base := []Option{WithBaseURL(srv.URL), WithClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})}

	return New(cs, append(base, opts...)...)
}

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString("HostName=myhub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "myhub.azure-devices.net", cs.HostName)
	assert.Equal(t, "iothubowner", cs.KeyName)
	assert.Equal(t, testKey, cs.Key)
	assert.NotContains(t, cs.String(), testKey)

	tests := []string{
		"",
		"HostName=h;SharedAccessKeyName=n",
		"SharedAccessKeyName=n;SharedAccessKey=k",
		"HostName=h;SharedAccessKey=k",
		"HostName",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseConnectionString(s)
			require.ErrorIs(t, err, ErrInvalidConnectionString)
		})
	}
}

func TestClient_DeviceLifecycle(t *testing.T) {
	hub := newFakeHub()
	c := newTestClient(t, hub)
	ctx := context.Background()

	key, err := c.Create(ctx, "00-00-00-00-00-00-00-00-00-00-00-01")
	require.NoError(t, err)
	assert.Equal(t, "key-00-00-00-00-00-00-00-00-00-00-00-01", key)

	_, err = c.Create(ctx, "00-00-00-00-00-00-00-00-00-00-00-01")
	require.ErrorIs(t, err, registry.ErrAlreadyExists)

	got, err := c.Get(ctx, "00-00-00-00-00-00-00-00-00-00-00-01")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, c.Delete(ctx, "00-00-00-00-00-00-00-00-00-00-00-01"))
	require.ErrorIs(t, c.Delete(ctx, "00-00-00-00-00-00-00-00-00-00-00-01"), registry.ErrNotFound)
	_, err = c.Get(ctx, "00-00-00-00-00-00-00-00-00-00-00-01")
	require.ErrorIs(t, err, registry.ErrNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Contains(t, se.Message, "DeviceNotFound")

	assert.Equal(t, []string{"*", "*"}, hub.ifMatch)
	for _, auth := range hub.auth {
		assert.True(t, strings.HasPrefix(auth, "SharedAccessSignature sr=myhub.azure-devices.net&sig="))
		assert.True(t, strings.HasSuffix(auth, "&skn=registryReadWrite"))
	}
	assert.Equal(t, hub.auth[0], hub.auth[len(hub.auth)-1], "service token is reused while fresh")
}

func TestClient_ServiceTokenRenewed(t *testing.T) {
	hub := newFakeHub()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, hub, WithClock(func() time.Time { return now }), WithTokenValidity(10*time.Minute))
	ctx := context.Background()

	_, err := c.Create(ctx, "a")
	require.NoError(t, err)
	now = now.Add(6 * time.Minute)
	_, err = c.Get(ctx, "a")
	require.NoError(t, err)

	require.Len(t, hub.auth, 2)
	assert.NotEqual(t, hub.auth[0], hub.auth[1])
}

func TestClient_Twin(t *testing.T) {
	hub := newFakeHub()
	c := newTestClient(t, hub)
	ctx := context.Background()
	_, err := c.Create(ctx, "dev")
	require.NoError(t, err)

	g := registry.NewGateway(c, nil)
	var md registry.Metadata
	md.DeviceType = "mydevicetype"
	md.EventHub.Name = "myeventhub"
	require.NoError(t, g.ApplyMetadata(ctx, "dev", md.Patch(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))))

	twin, err := c.GetTwin(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", twin.DeviceID)
	assert.Equal(t, "AAAAAAAAAAE=", twin.ETag)
	assert.Equal(t, int64(2), twin.Version)
	assert.Equal(t, "mydevicetype", twin.Tags["deviceType"])
	assert.Equal(t, "2026-01-02T03:04:05Z", twin.Desired["lastConfigurationChanged"])
	eventhub, ok := twin.Desired["eventhub"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "myeventhub", eventhub["name"])

	require.NoError(t, c.UpdateTwin(ctx, "dev", registry.Patch{Desired: map[string]any{"ring": "1"}}, twin.ETag))
	assert.Equal(t, []string{"*", `"AAAAAAAAAAE="`}, hub.ifMatch)

	_, err = c.GetTwin(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestClient_Traced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c := newTestClient(t, newFakeHub(), WithProviders(tp, nil, nil))
	_, err := c.Create(context.Background(), "dev")
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "iothub PUT /devices", spans[0].Name)
}

func TestNewFromConfig(t *testing.T) {
	cfg := Config{APIVersion: "2020-05-31-preview", Timeout: time.Second, TokenValidity: time.Hour}
	_, err := NewFromConfig(cfg, "")
	require.ErrorIs(t, err, ErrInvalidConnectionString)

	c, err := NewFromConfig(cfg, "HostName=h.example;SharedAccessKeyName=p;SharedAccessKey="+testKey)
	require.NoError(t, err)
	assert.Equal(t, "h.example", c.HostName())
	assert.Equal(t, "2020-05-31-preview", c.apiVersion)
}

func TestResourceKind(t *testing.T) {
	assert.Equal(t, "/devices", resourceKind("/devices/abc"))
	assert.Equal(t, "/twins", resourceKind("/twins/abc"))
	assert.Equal(t, "/", resourceKind("/"))
}
