package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// FilterMetrics contains Prometheus metrics for the alert decision engine.
type FilterMetrics struct {
	DecisionsTotal     *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EvaluationErrors   *prometheus.CounterVec
	GateDuration       *prometheus.HistogramVec
	registry           *prometheus.Registry
}

// NewFilterMetrics creates and registers the decision engine metrics.
func NewFilterMetrics(registry *prometheus.Registry) (*FilterMetrics, error) {
	m := &FilterMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register filter metrics: %w", err)
	}
	return m, nil
}

func (m *FilterMetrics) initMetrics() {
	m.DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_decisions_total",
			Help: "Total number of alert decisions by outcome and rejection reason",
		},
		[]string{"outcome", "reason"}, // outcome: accepted, rejected; reason: gate reason code or empty
	)

	m.EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_evaluation_duration_seconds",
		Help:    "Time taken to evaluate one alert, catalog query included",
		Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
	})

	m.EvaluationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_evaluation_errors_total",
			Help: "Total number of evaluations that ended in an error instead of a decision",
		},
		[]string{"error_type"},
	)

	m.GateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decentfilter_gate_duration_seconds",
			Help:    "Time spent in individual gates",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
		},
		[]string{"gate"},
	)
}

// RecordDecision counts one decision.
func (m *FilterMetrics) RecordDecision(accepted bool, reason string) {
	outcome := StatusRejected
	if accepted {
		outcome = StatusAccepted
	}
	m.DecisionsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordOperation implements Recorder. Evaluate operations carry the
// rejection reason in the status, "accepted" for acceptances.
func (m *FilterMetrics) RecordOperation(operation, status string) {
	if operation != OpEvaluate {
		return
	}
	if status == StatusAccepted {
		m.RecordDecision(true, "")
		return
	}
	m.RecordDecision(false, status)
}

// RecordDuration implements Recorder. Gate durations use "gate:<name>".
func (m *FilterMetrics) RecordDuration(operation string, seconds float64) {
	if operation == OpEvaluate {
		m.EvaluationDuration.Observe(seconds)
		return
	}
	if gate, ok := strings.CutPrefix(operation, OpGate+":"); ok {
		m.GateDuration.WithLabelValues(gate).Observe(seconds)
	}
}

// RecordError implements Recorder.
func (m *FilterMetrics) RecordError(operation, errorType string) {
	if operation == OpEvaluate {
		m.EvaluationErrors.WithLabelValues(errorType).Inc()
	}
}

// Collect implements the prometheus.Collector interface.
func (m *FilterMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DecisionsTotal.Collect(ch)
	m.EvaluationDuration.Collect(ch)
	m.EvaluationErrors.Collect(ch)
	m.GateDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *FilterMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DecisionsTotal.Describe(ch)
	m.EvaluationDuration.Describe(ch)
	m.EvaluationErrors.Describe(ch)
	m.GateDuration.Describe(ch)
}
