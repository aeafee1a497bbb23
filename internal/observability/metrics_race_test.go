package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called
// concurrently; every instance owns its registry.
func TestNewMetricsConcurrency(t *testing.T) {
	t.Parallel()

	const numGoroutines = 50

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics()
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.Filter)
			assert.NotNil(t, m.Catalog)
			assert.NotNil(t, m.Kilonova)
			assert.NotNil(t, m.MQTT)
		})
	}
	wg.Wait()
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Filter.RecordOperation(metrics.OpEvaluate, "gal_plane")
	m.Catalog.RecordOperation(metrics.OpCacheGet, metrics.StatusHit)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `decentfilter_decisions_total{outcome="rejected",reason="gal_plane"} 1`)
	assert.Contains(t, body, `decentfilter_catalog_cache_total{result="hit"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
