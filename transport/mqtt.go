package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

// MQTTConfig configures MQTTDialer.
type MQTTConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout" default:"30s" validate:"gt=0"`
	KeepAlive      time.Duration `yaml:"keepAlive" default:"60s" validate:"gt=0"`
	// DisconnectQuiesce is how long Close waits for in-flight work.
	DisconnectQuiesce *time.Duration `yaml:"disconnectQuiesce" default:"250ms"`
}

// Quiesce returns DisconnectQuiesce, or 250ms when unset. Negative values
// count as zero.
func (c MQTTConfig) Quiesce() time.Duration {
	if c.DisconnectQuiesce == nil {
		return 250 * time.Millisecond
	}

	return max(*c.DisconnectQuiesce, 0)
}

// MQTTDialer dials MQTT 3.1.1 over TLS with paho.
type MQTTDialer struct {
	cfg    MQTTConfig
	logger *zap.Logger
}

var _ Dialer = (*MQTTDialer)(nil)

// NewMQTTDialer creates a dialer. A nil logger disables logging.
func NewMQTTDialer(cfg MQTTConfig, logger *zap.Logger) *MQTTDialer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MQTTDialer{cfg: cfg, logger: logger}
}

func (d *MQTTDialer) clientOptions(req DialRequest) *mqtt.ClientOptions {
	port := req.Port
	if port == 0 {
		port = DefaultPort
	}
	onLost := req.OnLost
	if onLost == nil {
		onLost = func(error) {}
	}

	return mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", req.Host, port)).
		SetClientID(req.ClientID).
		SetUsername(req.Username).
		SetPassword(req.Password).
		SetProtocolVersion(4).
		SetTLSConfig(req.TLS).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(d.cfg.KeepAlive).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
}

// Dial implements Dialer.
func (d *MQTTDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	client := mqtt.NewClient(d.clientOptions(req))

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, classifyConnectError(err)
	}

	return &mqttConn{client: client, quiesce: d.cfg.Quiesce(), logger: d.logger}, nil
}

// classifyConnectError wraps CONNACK refusals of the credentials in ErrHandshake.
func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	default:
		return err
	}
}

type mqttConn struct {
	client  mqtt.Client
	quiesce time.Duration
	logger  *zap.Logger
}

func (c *mqttConn) Publish(topic string, qos byte, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return mqtt.ErrNotConnected
	}
	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Debug("publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()

	return nil
}

func (c *mqttConn) Close() {
	c.client.Disconnect(uint(c.quiesce / time.Millisecond))
}
