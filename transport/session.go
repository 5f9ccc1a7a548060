// Package transport owns the authenticated ingestion connection of one
// simulated device.
//
// Session is an explicit state machine:
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//	                Connecting -> Failed    -> Disconnected
//
// Connect returns only after the backend acknowledged the handshake. Publish
// is dropped unless the session is Connected. Disconnect always ends in
// Disconnected. When the backend drops an established connection the session
// moves to Disconnected and reports the cause on Lost, which has exactly one
// reader: the owner of the session.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrHandshake is returned when the backend rejects the credentials.
	ErrHandshake = errors.New("transport: handshake rejected")
	// ErrNotDisconnected is returned by Connect on a session that is in use.
	ErrNotDisconnected = errors.New("transport: session is not disconnected")
	// ErrNoTrustAnchor is returned when no CA is given and insecure mode is off.
	ErrNoTrustAnchor = errors.New("transport: no trust anchor and insecure mode not allowed")
)

// publishQoS is MQTT "at least once".
const publishQoS byte = 1

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is an established, acknowledged connection.
type Conn interface {
	// Publish hands payload to the send buffer and returns without waiting for
	// the network.
	Publish(topic string, qos byte, payload []byte) error
	Close()
}

// DialRequest carries everything a Dialer needs for one handshake.
type DialRequest struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	TLS      *tls.Config
	// OnLost is called at most once when an established connection drops.
	OnLost func(error)
}

// Dialer opens connections. Dial blocks until the backend acknowledges the
// handshake or rejects it; rejections wrap ErrHandshake.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// ConnectParams describe a connection attempt.
type ConnectParams struct {
	Host     string
	Port     int
	DeviceID string
	// Username is the principal, see Username.
	Username string
	// Password is the access token string.
	Password string
	// TrustAnchor is a PEM CA bundle. When nil, AllowInsecure decides
	// whether the server certificate goes unverified.
	TrustAnchor   []byte
	AllowInsecure bool
}

// Session is the transport state machine of one device.
type Session struct {
	dialer Dialer
	logger *zap.Logger

	mutex sync.Mutex
	state State
	conn  Conn
	gen   uint64

	lost chan error

	suppressed *atomic.Uint64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession creates a disconnected Session.
//
// Panics if d is nil.
func NewSession(d Dialer, opts ...SessionOption) *Session {
	if d == nil {
		panic("transport: dialer must not be nil")
	}
	s := &Session{
		dialer:     d,
		logger:     zap.NewNop(),
		lost:       make(chan error, 1),
		suppressed: atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

// Lost delivers the cause when the current connection drops. A loss that
// was not read before the next Connect is discarded.
func (s *Session) Lost() <-chan error {
	return s.lost
}

// Suppressed returns how many payloads were dropped because the session was not connected.
func (s *Session) Suppressed() uint64 {
	return s.suppressed.Load()
}

// Connect performs the handshake and moves to Connected on acknowledgement.
// On rejection the session is left Failed.
func (s *Session) Connect(ctx context.Context, p ConnectParams) error {
	s.mutex.Lock()
	if s.state != Disconnected && s.state != Failed {
		state := s.state
		s.mutex.Unlock()

		return fmt.Errorf("%w: %s", ErrNotDisconnected, state)
	}
	s.state = Connecting
	s.gen++
	gen := s.gen
	select {
	case <-s.lost:
	default:
	}
	s.mutex.Unlock()

	tlsConfig, err := TLSConfig(p.Host, p.TrustAnchor, p.AllowInsecure)
	if err != nil {
		s.fail(err)
		return err
	}
	if tlsConfig.InsecureSkipVerify {
		s.logger.Warn("server certificate is not verified", zap.String("host", p.Host))
	}

	conn, err := s.dialer.Dial(ctx, DialRequest{
		Host:     p.Host,
		Port:     p.Port,
		ClientID: p.DeviceID,
		Username: p.Username,
		Password: p.Password,
		TLS:      tlsConfig,
		OnLost:   func(err error) { s.connectionLost(gen, err) },
	})
	if err != nil {
		s.fail(err)
		return fmt.Errorf("connect %s:%d: %w", p.Host, p.Port, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Connecting || s.gen != gen {
		// Disconnect ran while dialing.
		conn.Close()
		return fmt.Errorf("connect %s:%d: %w", p.Host, p.Port, context.Canceled)
	}
	s.state = Connected
	s.conn = conn
	s.logger.Debug("connected", zap.String("host", p.Host), zap.Int("port", p.Port))

	return nil
}

func (s *Session) fail(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == Connecting {
		s.state = Failed
	}
	s.logger.Debug("connect failed", zap.Error(err))
}

func (s *Session) connectionLost(gen uint64, err error) {
	s.mutex.Lock()
	if s.gen != gen || s.state != Connected {
		s.mutex.Unlock()
		return
	}
	conn := s.conn
	s.state = Disconnected
	s.conn = nil
	s.mutex.Unlock()

	if conn != nil {
		closeQuietly(conn, s.logger)
	}
	if err == nil {
		err = errors.New("connection closed by peer")
	}
	s.logger.Warn("connection lost", zap.Error(err))
	select {
	case s.lost <- err:
	default:
	}
}

// Publish hands payload to the transport when Connected and reports whether
// it did. In any other state it does nothing.
func (s *Session) Publish(topic string, payload []byte) bool {
	s.mutex.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mutex.Unlock()

	if !connected || conn == nil {
		s.suppressed.Inc()
		return false
	}
	if err := conn.Publish(topic, publishQoS, payload); err != nil {
		s.logger.Debug("publish not accepted", zap.String("topic", topic), zap.Error(err))
		return false
	}

	return true
}

// Disconnect closes any connection and leaves the session Disconnected.
// It never fails and is a no-op when already Disconnected.
func (s *Session) Disconnect() {
	s.mutex.Lock()
	conn := s.conn
	prev := s.state
	s.conn = nil
	s.state = Disconnected
	s.gen++
	s.mutex.Unlock()

	if conn != nil {
		closeQuietly(conn, s.logger)
	}
	if prev != Disconnected {
		s.logger.Debug("disconnected", zap.Stringer("from", prev))
	}
}

func closeQuietly(conn Conn, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("transport close panicked", zap.Any("panic", r))
		}
	}()
	conn.Close()
}
