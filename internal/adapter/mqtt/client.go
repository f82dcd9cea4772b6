// Package mqtt connects the gateway to the message bus: it publishes device
// state for consumers and carries the command subscription.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
)

// ClientConfig contains MQTT connection configuration.
type ClientConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	CleanSession   bool
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration

	// TopicPrefix roots every published topic: <prefix>/<device_id>/...
	TopicPrefix string
}

// Publisher publishes one payload. Values that are not []byte are JSON
// encoded.
type Publisher interface {
	Publish(topic string, retained bool, payload any) error
}

// Client wraps a paho client with reconnect hooks and publish accounting.
type Client struct {
	config  ClientConfig
	client  paho.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	hooksMu     sync.RWMutex
	onConnect   []func()
	isConnected atomic.Bool

	messagesPublished atomic.Uint64
	publishErrors     atomic.Uint64
}

// NewClient creates an unconnected MQTT client. The broker holds a retained
// "offline" will on <prefix>/gateway/status.
func NewClient(config ClientConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "gigacore"
	}

	c := &Client{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-client").Logger(),
		metrics: metricsReg,
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(config.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetWill(c.gatewayTopic(), "offline", config.QoS, true).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.handleConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	c.client = paho.NewClient(opts)
	return c
}

func (c *Client) gatewayTopic() string {
	return c.config.TopicPrefix + "/gateway/status"
}

// Connect establishes the broker connection, bounded by ctx and the
// configured connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().
		Str("broker", c.config.BrokerURL).
		Str("client_id", c.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(c.config.ConnectTimeout):
		return fmt.Errorf("%w: timeout", domain.ErrMQTTConnectionFailed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
	}
	return nil
}

// OnConnect registers fn to run after every (re)connection. Subscriptions
// are not kept by the broker across clean sessions, so subscribers register
// here.
func (c *Client) OnConnect(fn func()) {
	c.hooksMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.hooksMu.Unlock()
}

// Paho returns the underlying client for subscribers.
func (c *Client) Paho() paho.Client {
	return c.client
}

// Publish sends payload at the configured QoS.
func (c *Client) Publish(topic string, retained bool, payload any) error {
	if !c.IsConnected() {
		c.publishErrors.Add(1)
		return domain.ErrMQTTNotConnected
	}

	data, ok := payload.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			c.publishErrors.Add(1)
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
		}
	}

	token := c.client.Publish(topic, c.config.QoS, retained, data)
	if !token.WaitTimeout(10 * time.Second) {
		c.publishErrors.Add(1)
		c.metrics.RecordPublishError(topic)
		return fmt.Errorf("%w: timeout", domain.ErrMQTTPublishFailed)
	}
	if err := token.Error(); err != nil {
		c.publishErrors.Add(1)
		c.metrics.RecordPublishError(topic)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
	}

	c.messagesPublished.Add(1)
	return nil
}

// Disconnect publishes the gateway offline marker and disconnects.
func (c *Client) Disconnect() {
	if c.IsConnected() {
		if err := c.Publish(c.gatewayTopic(), true, []byte("offline")); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to publish offline marker")
		}
	}
	c.client.Disconnect(5000)
	c.isConnected.Store(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status.
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.client.IsConnected()
}

// Stats returns client statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":          c.IsConnected(),
		"broker":             c.config.BrokerURL,
		"client_id":          c.config.ClientID,
		"messages_published": c.messagesPublished.Load(),
		"publish_errors":     c.publishErrors.Load(),
	}
}

func (c *Client) handleConnect(client paho.Client) {
	c.isConnected.Store(true)
	c.logger.Info().Msg("Connected to MQTT broker")

	token := client.Publish(c.gatewayTopic(), c.config.QoS, true, []byte("online"))
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		c.logger.Warn().Err(token.Error()).Msg("Failed to publish online marker")
	}

	c.hooksMu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	c.isConnected.Store(false)
	c.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}
