package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Error kinds counted by MQTTMetrics.Errors.
const (
	ErrKindConnectionLost = "connection_lost"
	ErrKindReconnect      = "reconnect"
)

// MQTTMetrics tracks forwarding of accepted alerts to the MQTT broker.
type MQTTMetrics struct {
	Connected         prometheus.Gauge
	Publishes         *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PayloadSize       prometheus.Histogram
	PublishDuration   prometheus.Histogram
	registry          *prometheus.Registry
}

// NewMQTTMetrics creates and registers the forwarding metrics.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decentfilter_mqtt_connected",
		Help: "1 while the forwarding client holds a broker connection",
	})

	m.Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_mqtt_publishes_total",
			Help: "Accepted-alert publishes by status",
		},
		[]string{"status"},
	)

	m.Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_mqtt_connection_errors_total",
			Help: "Broker connection problems by kind",
		},
		[]string{"kind"}, // kind: connection_lost, reconnect
	)

	m.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decentfilter_mqtt_reconnect_attempts_total",
		Help: "Reconnection attempts after a lost connection",
	})

	m.PayloadSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_mqtt_payload_size_bytes",
		Help:    "Size of published accepted-alert payloads",
		Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
	})

	m.PublishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_mqtt_publish_duration_seconds",
		Help:    "Time until the broker acknowledged a publish",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
	})
}

// SetConnected records the connection state.
func (m *MQTTMetrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

// IncrementReconnectAttempts counts one reconnection attempt.
func (m *MQTTMetrics) IncrementReconnectAttempts() {
	m.ReconnectAttempts.Inc()
}

// ObservePayloadSize records the size of a published payload.
func (m *MQTTMetrics) ObservePayloadSize(sizeBytes int) {
	m.PayloadSize.Observe(float64(sizeBytes))
}

// StartPublishTimer returns a timer that feeds PublishDuration.
func (m *MQTTMetrics) StartPublishTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.PublishDuration)
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Connected.Collect(ch)
	m.Publishes.Collect(ch)
	m.Errors.Collect(ch)
	m.ReconnectAttempts.Collect(ch)
	m.PayloadSize.Collect(ch)
	m.PublishDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Connected.Describe(ch)
	m.Publishes.Describe(ch)
	m.Errors.Describe(ch)
	m.ReconnectAttempts.Describe(ch)
	m.PayloadSize.Describe(ch)
	m.PublishDuration.Describe(ch)
}

// RecordOperation implements Recorder. Only publishes are counted.
func (m *MQTTMetrics) RecordOperation(operation, status string) {
	if operation == OpPublish {
		m.Publishes.WithLabelValues(status).Inc()
	}
}

// RecordDuration implements Recorder.
func (m *MQTTMetrics) RecordDuration(operation string, seconds float64) {
	if operation == OpPublish {
		m.PublishDuration.Observe(seconds)
	}
}

// RecordError implements Recorder; errorType is the error kind label.
func (m *MQTTMetrics) RecordError(_, errorType string) {
	m.Errors.WithLabelValues(errorType).Inc()
}
