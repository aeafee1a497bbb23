package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CatalogMetrics contains Prometheus metrics for catalog cone searches and
// Minor Planet Center lookups.
type CatalogMetrics struct {
	QueriesTotal  *prometheus.CounterVec
	QueryDuration prometheus.Histogram
	QueryErrors   *prometheus.CounterVec
	CacheTotal    *prometheus.CounterVec
	MPCChecks     *prometheus.CounterVec
	MPCDuration   prometheus.Histogram
	registry      *prometheus.Registry
}

// NewCatalogMetrics creates and registers the catalog client metrics.
func NewCatalogMetrics(registry *prometheus.Registry) (*CatalogMetrics, error) {
	m := &CatalogMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register catalog metrics: %w", err)
	}
	return m, nil
}

func (m *CatalogMetrics) initMetrics() {
	m.QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_catalog_queries_total",
			Help: "Total number of catalog cone searches by status",
		},
		[]string{"status"},
	)

	m.QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_catalog_query_duration_seconds",
		Help:    "Round trip time of catalog cone searches",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})

	m.QueryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_catalog_query_errors_total",
			Help: "Total number of failed catalog cone searches by error type",
		},
		[]string{"error_type"}, // error_type: network, http_status, decode, timeout
	)

	m.CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_catalog_cache_total",
			Help: "Catalog result cache lookups by result",
		},
		[]string{"result"}, // result: hit, miss
	)

	m.MPCChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decentfilter_mpc_checks_total",
			Help: "Total number of Minor Planet Center lookups by status",
		},
		[]string{"status"}, // status: success, error, missing_info
	)

	m.MPCDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decentfilter_mpc_check_duration_seconds",
		Help:    "Round trip time of Minor Planet Center lookups",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	})
}

// RecordOperation implements Recorder.
func (m *CatalogMetrics) RecordOperation(operation, status string) {
	switch operation {
	case OpConeSearch:
		m.QueriesTotal.WithLabelValues(status).Inc()
	case OpCacheGet:
		m.CacheTotal.WithLabelValues(status).Inc()
	case OpMPCCheck:
		m.MPCChecks.WithLabelValues(status).Inc()
	}
}

// RecordDuration implements Recorder.
func (m *CatalogMetrics) RecordDuration(operation string, seconds float64) {
	switch operation {
	case OpConeSearch:
		m.QueryDuration.Observe(seconds)
	case OpMPCCheck:
		m.MPCDuration.Observe(seconds)
	}
}

// RecordError implements Recorder.
func (m *CatalogMetrics) RecordError(operation, errorType string) {
	if operation == OpConeSearch {
		m.QueryErrors.WithLabelValues(errorType).Inc()
	}
}

// Collect implements the prometheus.Collector interface.
func (m *CatalogMetrics) Collect(ch chan<- prometheus.Metric) {
	m.QueriesTotal.Collect(ch)
	m.QueryDuration.Collect(ch)
	m.QueryErrors.Collect(ch)
	m.CacheTotal.Collect(ch)
	m.MPCChecks.Collect(ch)
	m.MPCDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *CatalogMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.QueriesTotal.Describe(ch)
	m.QueryDuration.Describe(ch)
	m.QueryErrors.Describe(ch)
	m.CacheTotal.Describe(ch)
	m.MPCChecks.Describe(ch)
	m.MPCDuration.Describe(ch)
}
