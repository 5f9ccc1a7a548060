package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	published []string
	closed    int
}

func (c *fakeConn) Publish(topic string, _ byte, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic)

	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conn  *fakeConn
	reqs  []DialRequest
	block chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	err, block := d.err, d.block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	d.conn = &fakeConn{}

	return d.conn, nil
}

func (d *fakeDialer) lastRequest() DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reqs[len(d.reqs)-1]
}

func params() ConnectParams {
	return ConnectParams{
		Host:          "hub.example",
		Port:          DefaultPort,
		DeviceID:      "dev",
		Username:      Username("hub.example", "dev", "2021-04-12"),
		Password:      "SharedAccessSignature sr=x&sig=y&se=1",
		AllowInsecure: true,
	}
}

func TestSession_ConnectPublishDisconnect(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background(), params()))
	assert.Equal(t, Connected, s.State())
	req := d.lastRequest()
	assert.Equal(t, "dev", req.ClientID)
	assert.Equal(t, "hub.example/dev/?api-version=2021-04-12", req.Username)
	assert.True(t, req.TLS.InsecureSkipVerify)

	for range 3 {
		assert.True(t, s.Publish("devices/dev/messages/events", []byte(`{}`)))
	}
	assert.Len(t, d.conn.published, 3)
	assert.Zero(t, s.Suppressed())

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.conn.closed)
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	assert.NotPanics(t, s.Disconnect)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background(), params()))
	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.conn.closed)
}

func TestSession_PublishSuppressed(t *testing.T) {
	d := &fakeDialer{err: ErrHandshake}
	s := NewSession(d)

	assert.False(t, s.Publish("t", []byte("x")))

	err := s.Connect(context.Background(), params())
	require.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, Failed, s.State())
	assert.False(t, s.Publish("t", []byte("x")))
	assert.Nil(t, d.conn, "no connection may exist after a rejected handshake")
	assert.Equal(t, uint64(2), s.Suppressed())

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
}

func TestSession_ConnectTwiceRejected(t *testing.T) {
	s := NewSession(&fakeDialer{})
	require.NoError(t, s.Connect(context.Background(), params()))
	require.ErrorIs(t, s.Connect(context.Background(), params()), ErrNotDisconnected)
}

func TestSession_ReconnectAfterFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	s := NewSession(d)
	require.Error(t, s.Connect(context.Background(), params()))
	assert.Equal(t, Failed, s.State())

	d.err = nil
	require.NoError(t, s.Connect(context.Background(), params()))
	assert.Equal(t, Connected, s.State())
}

func TestSession_TrustAnchorRequired(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	p := params()
	p.AllowInsecure = false

	require.ErrorIs(t, s.Connect(context.Background(), p), ErrNoTrustAnchor)
	assert.Equal(t, Failed, s.State())
	assert.Empty(t, d.reqs)
}

func TestSession_ConnectionLost(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	require.NoError(t, s.Connect(context.Background(), params()))

	cause := errors.New("pingresp not received")
	d.lastRequest().OnLost(cause)

	select {
	case err := <-s.Lost():
		require.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("no lost event")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.conn.closed)
	assert.False(t, s.Publish("t", nil))
}

func TestSession_StaleLostIgnored(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	require.NoError(t, s.Connect(context.Background(), params()))
	first := d.lastRequest()
	s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), params()))

	first.OnLost(errors.New("old connection"))
	assert.Equal(t, Connected, s.State())
	select {
	case err := <-s.Lost():
		t.Fatalf("unexpected lost event: %v", err)
	default:
	}
}

func TestSession_UnreadLossDiscardedOnReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d)
	require.NoError(t, s.Connect(context.Background(), params()))
	d.lastRequest().OnLost(errors.New("peer reset"))
	assert.Equal(t, Disconnected, s.State())

	s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), params()))
	assert.Equal(t, Connected, s.State())
	select {
	case err := <-s.Lost():
		t.Fatalf("loss of the previous connection leaked: %v", err)
	default:
	}

	// A loss of the new connection is still reported.
	d.lastRequest().OnLost(errors.New("again"))
	select {
	case err := <-s.Lost():
		require.EqualError(t, err, "again")
	case <-time.After(time.Second):
		t.Fatal("no lost event")
	}
}

func TestSession_DisconnectDuringDial(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	s := NewSession(d)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), params()) }()

	require.Eventually(t, func() bool { return s.State() == Connecting }, time.Second, time.Millisecond)
	s.Disconnect()
	close(d.block)

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.conn.closed)
}

func TestSession_ConnectHonorsContext(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	s := NewSession(d)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, s.Connect(ctx, params()), context.DeadlineExceeded)
	assert.Equal(t, Failed, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
