package mqtt

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeToken is a completed or never-completing paho token.
type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakeBroker stands in for a paho client. Methods it does not override
// panic through the nil embedded interface.
type fakeBroker struct {
	paho.Client

	opts       *paho.ClientOptions
	connected  atomic.Bool
	connectErr error
	publishTok func() *fakeToken

	mu       sync.Mutex
	messages []published
}

func (b *fakeBroker) Connect() paho.Token {
	if b.connectErr != nil {
		return doneToken(b.connectErr)
	}
	b.connected.Store(true)
	return doneToken(nil)
}

func (b *fakeBroker) IsConnected() bool      { return b.connected.Load() }
func (b *fakeBroker) IsConnectionOpen() bool { return b.connected.Load() }
func (b *fakeBroker) Disconnect(uint)        { b.connected.Store(false) }

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload any) paho.Token {
	b.mu.Lock()
	b.messages = append(b.messages, published{topic, qos, retained, payload.([]byte)})
	b.mu.Unlock()
	if b.publishTok != nil {
		return b.publishTok()
	}
	return doneToken(nil)
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.messages...)
}

// loseConnection simulates the broker dropping the client.
func (b *fakeBroker) loseConnection(err error) {
	b.connected.Store(false)
	b.opts.OnConnectionLost(b, err)
}

type brokerFactory struct {
	mu      sync.Mutex
	brokers []*fakeBroker
	setup   func(n int, b *fakeBroker)
}

func (f *brokerFactory) newClient(opts *paho.ClientOptions) paho.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBroker{opts: opts}
	if f.setup != nil {
		f.setup(len(f.brokers), b)
	}
	f.brokers = append(f.brokers, b)
	return b
}

func (f *brokerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.brokers)
}

func (f *brokerFactory) last() *fakeBroker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.brokers[len(f.brokers)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Broker = "tcp://127.0.0.1:1883"
	cfg.ClientID = "decentfilter-test"
	cfg.Topic = "decentfilter/accepted"
	cfg.ReconnectCooldown = 0
	cfg.ReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 5 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.PublishTimeout = 50 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, f *brokerFactory) (*client, *metrics.MQTTMetrics) {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c, err := NewClient(cfg, logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC), m)
	require.NoError(t, err)
	impl := c.(*client)
	impl.newPaho = f.newClient
	t.Cleanup(impl.Disconnect)
	return impl, m
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	log := logger.NewSlogLogger(&bytes.Buffer{}, logger.LogLevelError, time.UTC)
	_, err := NewClient(Config{}, log, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewClient(testConfig(), nil, nil)
	require.Error(t, err)

	c, err := NewClient(testConfig(), log, nil)
	require.NoError(t, err)
	c.Disconnect()
}

func TestConnectAndPublish(t *testing.T) {
	t.Parallel()

	f := &brokerFactory{}
	c, m := newTestClient(t, testConfig(), f)

	require.NoError(t, c.Connect(t.Context()))
	assert.True(t, c.IsConnected())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Connected), 0)

	opts := f.last().opts
	assert.Equal(t, "decentfilter-test", opts.ClientID)
	assert.False(t, opts.AutoReconnect)

	require.NoError(t, c.Publish(t.Context(), "decentfilter/accepted/ZTF1", []byte(`{"a":1}`)))
	sent := f.last().sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "decentfilter/accepted/ZTF1", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues(metrics.StatusSuccess)), 0)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.Connected), 0)
}

func TestConnectFailures(t *testing.T) {
	t.Parallel()

	t.Run("broker refuses", func(t *testing.T) {
		t.Parallel()
		f := &brokerFactory{setup: func(_ int, b *fakeBroker) { b.connectErr = errors.NewStd("not authorized") }}
		c, _ := newTestClient(t, testConfig(), f)

		err := c.Connect(t.Context())
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConn))
		assert.Contains(t, err.Error(), "not authorized")
		assert.False(t, c.IsConnected())
	})

	t.Run("unresolvable host", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Broker = "tcp://broker.invalid:1883"
		f := &brokerFactory{}
		c, _ := newTestClient(t, cfg, f)
		c.lookupHost = func(context.Context, string) ([]string, error) {
			return nil, errors.NewStd("no such host")
		}

		err := c.Connect(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to resolve hostname broker.invalid")
		assert.Equal(t, 0, f.count())
	})

	t.Run("cooldown", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.ReconnectCooldown = time.Hour
		f := &brokerFactory{}
		c, _ := newTestClient(t, cfg, f)

		require.NoError(t, c.Connect(t.Context()))
		err := c.Connect(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too recent")
	})
}

func TestPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	c, m := newTestClient(t, testConfig(), &brokerFactory{})

	err := c.Publish(t.Context(), "decentfilter/accepted/ZTF1", []byte("{}"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConn))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues(metrics.StatusError)), 0)
}

func TestPublishTimeout(t *testing.T) {
	t.Parallel()

	f := &brokerFactory{setup: func(_ int, b *fakeBroker) { b.publishTok = pendingToken }}
	c, m := newTestClient(t, testConfig(), f)
	require.NoError(t, c.Connect(t.Context()))

	err := c.Publish(t.Context(), "decentfilter/accepted/ZTF1", []byte("{}"))
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTPublish))
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.Publishes.WithLabelValues(metrics.StatusSuccess)), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues(metrics.StatusError)), 0)
}

func TestPublishCancelled(t *testing.T) {
	t.Parallel()

	f := &brokerFactory{setup: func(_ int, b *fakeBroker) { b.publishTok = pendingToken }}
	cfg := testConfig()
	cfg.PublishTimeout = time.Hour
	c, _ := newTestClient(t, cfg, f)
	require.NoError(t, c.Connect(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := c.Publish(ctx, "decentfilter/accepted/ZTF1", []byte("{}"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	// The first reconnect attempt fails, the second succeeds.
	f := &brokerFactory{setup: func(n int, b *fakeBroker) {
		if n == 1 {
			b.connectErr = errors.NewStd("broker restarting")
		}
	}}
	c, m := newTestClient(t, testConfig(), f)
	require.NoError(t, c.Connect(t.Context()))

	f.last().loseConnection(errors.NewStd("EOF"))

	require.Eventually(t, c.IsConnected, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, f.count())
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ReconnectAttempts), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues(metrics.ErrKindConnectionLost)), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues(metrics.ErrKindReconnect)), 0)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	t.Parallel()

	f := &brokerFactory{setup: func(n int, b *fakeBroker) {
		if n > 0 {
			b.connectErr = errors.NewStd("broker down")
		}
	}}
	c, _ := newTestClient(t, testConfig(), f)
	require.NoError(t, c.Connect(t.Context()))

	f.last().loseConnection(errors.NewStd("EOF"))
	require.Eventually(t, func() bool { return f.count() > 2 }, 2*time.Second, time.Millisecond)

	c.Disconnect()
	n := f.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, f.count(), "no reconnect attempts after Disconnect")

	// A loss reported after Disconnect does not restart the loop.
	c.startReconnect()
	assert.False(t, c.reconnecting)
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromSettings(&conf.MQTTSettings{
		Broker:         "tcp://broker:1883",
		Topic:          "ampel/accepted/",
		ClientID:       "df",
		QoS:            2,
		Retain:         true,
		PublishTimeout: 3 * time.Second,
	})
	assert.Equal(t, byte(2), cfg.QoS)
	assert.True(t, cfg.Retain)
	assert.Equal(t, 3*time.Second, cfg.PublishTimeout)
	assert.Equal(t, DefaultConfig().ConnectTimeout, cfg.ConnectTimeout)
}
