package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.NewStd("mqtt operation timed out")

// client implements the Client interface.
type client struct {
	config     Config
	log        logger.Logger
	metrics    *metrics.MQTTMetrics
	newPaho    func(*paho.ClientOptions) paho.Client
	lookupHost func(ctx context.Context, host string) ([]string, error)

	mu              sync.Mutex
	internalClient  paho.Client
	lastConnAttempt time.Time
	reconnecting    bool

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient creates a new MQTT client with the provided configuration.
// A nil metrics value gets a private, unexported registry.
func NewClient(cfg Config, log logger.Logger, m *metrics.MQTTMetrics) (Client, error) {
	if cfg.Broker == "" {
		return nil, errors.ConfigurationError("mqtt.broker", errors.NewStd("broker URL is empty"))
	}
	if log == nil {
		return nil, errors.ConfigurationError("logger", errors.NewStd("a logger is required"))
	}
	if m == nil {
		var err error
		if m, err = metrics.NewMQTTMetrics(prometheus.NewRegistry()); err != nil {
			return nil, err
		}
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &client{
		config:     cfg,
		log:        log,
		metrics:    m,
		newPaho:    paho.NewClient,
		lookupHost: net.DefaultResolver.LookupHost,
		stopCtx:    stopCtx,
		stop:       stop,
	}, nil
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastConnAttempt); since < c.config.ReconnectCooldown {
		return c.connError(fmt.Errorf("connection attempt too recent, last attempt was %v ago", since))
	}
	return c.connectLocked(ctx)
}

func (c *client) connectLocked(ctx context.Context) error {
	c.lastConnAttempt = time.Now()

	// Parse the broker URL
	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return c.connError(fmt.Errorf("invalid broker URL: %w", err))
	}

	host := u.Hostname()

	// Check if the host is an IP address
	if net.ParseIP(host) == nil {
		if _, err := c.lookupHost(ctx, host); err != nil {
			return c.connError(fmt.Errorf("failed to resolve hostname %s: %w", host, err))
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	// Reconnects go through reconnectWithBackoff.
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	if c.internalClient != nil && c.internalClient.IsConnectionOpen() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds())) //nolint:gosec // small positive duration
	}
	c.internalClient = c.newPaho(opts)

	if err := waitToken(ctx, c.internalClient.Connect(), c.config.ConnectTimeout); err != nil {
		return c.connError(fmt.Errorf("connection error: %w", err))
	}

	c.metrics.SetConnected(true)
	return nil
}

func (c *client) connError(err error) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConn).
		Context("broker", c.config.Broker).
		Build()
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	pc := c.internalClient
	c.mu.Unlock()

	if pc == nil || !pc.IsConnected() {
		c.metrics.RecordOperation(metrics.OpPublish, metrics.StatusError)
		return c.connError(errors.NewStd("not connected to MQTT broker"))
	}

	c.log.Debug("publishing", logger.String("topic", topic), logger.Int("bytes", len(payload)))

	timer := c.metrics.StartPublishTimer()
	defer timer.ObserveDuration()

	token := pc.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if err := waitToken(ctx, token, c.config.PublishTimeout); err != nil {
		c.metrics.RecordOperation(metrics.OpPublish, metrics.StatusError)
		c.log.Warn("publish failed", logger.String("topic", topic), logger.Error(err))
		return errors.New(fmt.Errorf("publish to %s: %w", topic, err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.metrics.RecordOperation(metrics.OpPublish, metrics.StatusSuccess)
	c.metrics.ObservePayloadSize(len(payload))
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.stop()

	c.mu.Lock()
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds())) //nolint:gosec // small positive duration
		c.metrics.SetConnected(false)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.metrics.SetConnected(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.metrics.SetConnected(false)
	c.metrics.RecordError(metrics.OpConnect, metrics.ErrKindConnectionLost)
	c.startReconnect()
}

func (c *client) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnecting || c.stopCtx.Err() != nil {
		return
	}
	c.reconnecting = true
	c.wg.Go(c.reconnectWithBackoff)
}

func (c *client) reconnectWithBackoff() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectDelay
	b.MaxInterval = c.config.MaxReconnectDelay
	b.MaxElapsedTime = 0

	attempt := func() error {
		c.metrics.IncrementReconnectAttempts()
		ctx, cancel := context.WithTimeout(c.stopCtx, c.config.ConnectTimeout)
		defer cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.stopCtx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return c.connectLocked(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RecordError(metrics.OpConnect, metrics.ErrKindReconnect)
		c.log.Warn("failed to reconnect to MQTT broker",
			logger.Error(err),
			logger.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, c.stopCtx), notify); err != nil {
		c.log.Debug("reconnect stopped", logger.Error(err))
		return
	}
	c.log.Info("reconnected to MQTT broker", logger.String("broker", c.config.Broker))
}

// waitToken waits for a paho token, bounded by timeout and ctx.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
