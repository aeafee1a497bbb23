package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// KilonovaMetrics contains Prometheus metrics for the POSSIS model unit.
type KilonovaMetrics struct {
	ModelLoads        *prometheus.CounterVec
	ModelLoadDuration prometheus.Histogram
	FitRuns           *prometheus.CounterVec
	FitDuration       prometheus.Histogram
	registry          *prometheus.Registry
}

// NewKilonovaMetrics creates and registers the kilonova unit metrics.
func NewKilonovaMetrics(registry *prometheus.Registry) (*KilonovaMetrics, error) {
	m := &KilonovaMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register kilonova metrics: %w", err)
	}
	return m, nil
}

func (m *KilonovaMetrics) initMetrics() {
	m.ModelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_kilonova_model_loads_total",
			Help: "Total number of POSSIS model grid loads by status",
		},
		[]string{"status"},
	)

	m.ModelLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_kilonova_model_load_duration_seconds",
		Help:    "Time taken to read and parse a POSSIS model grid, retries included",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	})

	m.FitRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_kilonova_fit_runs_total",
			Help: "Total number of kilonova light curve fits by status",
		},
		[]string{"status"}, // status: success, error, missing_info
	)

	m.FitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_kilonova_fit_duration_seconds",
		Help:    "Time taken by the light curve fitter",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})
}

// RecordOperation implements Recorder.
func (m *KilonovaMetrics) RecordOperation(operation, status string) {
	switch operation {
	case OpModelLoad:
		m.ModelLoads.WithLabelValues(status).Inc()
	case OpFit:
		m.FitRuns.WithLabelValues(status).Inc()
	}
}

// RecordDuration implements Recorder.
func (m *KilonovaMetrics) RecordDuration(operation string, seconds float64) {
	switch operation {
	case OpModelLoad:
		m.ModelLoadDuration.Observe(seconds)
	case OpFit:
		m.FitDuration.Observe(seconds)
	}
}

// RecordError implements Recorder. Errors are already counted by status.
func (m *KilonovaMetrics) RecordError(string, string) {}

// Collect implements the prometheus.Collector interface.
func (m *KilonovaMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ModelLoads.Collect(ch)
	m.ModelLoadDuration.Collect(ch)
	m.FitRuns.Collect(ch)
	m.FitDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *KilonovaMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ModelLoads.Describe(ch)
	m.ModelLoadDuration.Describe(ch)
	m.FitRuns.Describe(ch)
	m.FitDuration.Describe(ch)
}
