package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
	"github.com/ampelproject/decentfilter/internal/skycoord"
)

const (
	// DefaultTimeout bounds one cone search round trip.
	DefaultTimeout = 10 * time.Second
	// DefaultCacheTTL is how long cone search results are reused.
	DefaultCacheTTL = 10 * time.Minute
	// coneSearchPath is appended to the base URL.
	coneSearchPath = "/cone_search"
	// maxErrorBody limits how much of an error response is kept.
	maxErrorBody = 512
)

// Config holds configuration for the HTTP catalog client.
type Config struct {
	BaseURL    string        `json:"base_url"`
	Timeout    time.Duration `json:"timeout"`
	CacheTTL   time.Duration `json:"cache_ttl"`   // zero disables caching
	RateLimit  float64       `json:"rate_limit"`  // requests per second, zero means unlimited
	Burst      int           `json:"burst"`       // rate limiter bucket size
	MaxRetries int           `json:"max_retries"` // extra attempts after the first, zero means none
	RetryDelay time.Duration `json:"retry_delay"`
}

// coneSearchRequest is the request body of POST /cone_search.
type coneSearchRequest struct {
	Catalog string  `json:"catalog"`
	RA      float64 `json:"ra"`     // radians
	Dec     float64 `json:"dec"`    // radians
	Radius  float64 `json:"radius"` // arcseconds
}

// HTTPClient is a Service backed by a catsHTM-style HTTP cone search
// endpoint. Results are cached per catalog, position and radius.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
	limiter    *rate.Limiter
	metrics    metrics.Recorder
	log        logger.Logger

	stopJanitor chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithMetrics attaches a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *HTTPClient) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewHTTPClient creates a catalog client for the endpoint in cfg.
func NewHTTPClient(cfg Config, log logger.Logger, opts ...Option) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.Newf("catalog base URL is required").
			Component("catalog").
			Category(errors.CategoryConfiguration).
			Context("setting", "catalog.url").
			Build()
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.Newf("catalog max_retries must not be negative, got %d", cfg.MaxRetries).
			Component("catalog").
			Category(errors.CategoryConfiguration).
			Context("setting", "catalog.max_retries").
			Build()
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &HTTPClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		metrics:    metrics.NopRecorder{},
		log:        log.Module("catalog"),
	}

	// go-cache's own janitor can only be stopped by a finalizer, so expired
	// entries are swept by a goroutine owned by the client instead.
	if cfg.CacheTTL > 0 {
		c.cache = cache.New(cfg.CacheTTL, 0)
		c.stopJanitor = make(chan struct{})
		c.janitorDone = make(chan struct{})
		go c.janitor(cfg.CacheTTL * 2)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) janitor(interval time.Duration) {
	defer close(c.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cache.DeleteExpired()
		case <-c.stopJanitor:
			return
		}
	}
}

// ConeSearch implements Service. Returned result sets may be shared with
// the cache and must not be modified.
func (c *HTTPClient) ConeSearch(ctx context.Context, catalog string, raRad, decRad, radiusArcsec float64) (*ResultSet, error) {
	key := cacheKey(catalog, raRad, decRad, radiusArcsec)
	if c.cache != nil {
		if cached, found := c.cache.Get(key); found {
			c.metrics.RecordOperation(metrics.OpCacheGet, metrics.StatusHit)
			return cached.(*ResultSet), nil
		}
		c.metrics.RecordOperation(metrics.OpCacheGet, metrics.StatusMiss)
	}

	body, err := json.Marshal(coneSearchRequest{Catalog: catalog, RA: raRad, Dec: decRad, Radius: radiusArcsec})
	if err != nil {
		return nil, c.buildError(err, catalog, raRad, decRad, radiusArcsec).Build()
	}

	start := time.Now()
	rs, err := c.doRequestWithRetry(ctx, body, catalog, raRad, decRad, radiusArcsec)
	c.metrics.RecordDuration(metrics.OpConeSearch, time.Since(start).Seconds())
	if err != nil {
		c.metrics.RecordOperation(metrics.OpConeSearch, metrics.StatusError)
		return nil, err
	}
	c.metrics.RecordOperation(metrics.OpConeSearch, metrics.StatusSuccess)

	if c.cache != nil {
		c.cache.Set(key, rs, cache.DefaultExpiration)
	}

	c.log.Debug("cone search completed",
		logger.String("catalog", catalog),
		logger.Float64("ra_deg", skycoord.RadToDeg(raRad)),
		logger.Float64("dec_deg", skycoord.RadToDeg(decRad)),
		logger.Float64("radius_arcsec", radiusArcsec),
		logger.Int("sources", rs.Len()),
		logger.Duration("elapsed", time.Since(start)))
	return rs, nil
}

// doRequestWithRetry runs the request up to MaxRetries+1 times. Only
// transport failures and 5xx/429 responses are retried.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, body []byte, catalog string, raRad, decRad, radiusArcsec float64) (*ResultSet, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.config.RetryDelay
			c.log.Warn("cone search failed, retrying",
				logger.Int("attempt", attempt),
				logger.Int("max_retries", c.config.MaxRetries),
				logger.Duration("delay", delay),
				logger.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, c.buildError(ctx.Err(), catalog, raRad, decRad, radiusArcsec).
					Context("attempts", attempt).
					Build()
			}
		}

		rs, retryable, err := c.doRequest(ctx, body, catalog, raRad, decRad, radiusArcsec)
		if err == nil {
			return rs, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// doRequest performs one cone search round trip. The boolean result tells
// whether the failure is worth retrying.
func (c *HTTPClient) doRequest(ctx context.Context, body []byte, catalog string, raRad, decRad, radiusArcsec float64) (*ResultSet, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, c.buildError(fmt.Errorf("rate limiter: %w", err), catalog, raRad, decRad, radiusArcsec).Build()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := c.config.BaseURL + coneSearchPath
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, c.buildError(fmt.Errorf("failed to create cone search request: %w", err), catalog, raRad, decRad, radiusArcsec).Build()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorType := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}
		c.metrics.RecordError(metrics.OpConeSearch, errorType)
		return nil, true, c.buildError(fmt.Errorf("cone search request failed: %w", err), catalog, raRad, decRad, radiusArcsec).
			NetworkContext(url, c.config.Timeout).
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.RecordError(metrics.OpConeSearch, "http_status")
		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, c.buildError(
			fmt.Errorf("cone search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview))),
			catalog, raRad, decRad, radiusArcsec).
			Context("status_code", resp.StatusCode).
			Build()
	}

	var wire wireResultSet
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		c.metrics.RecordError(metrics.OpConeSearch, "decode")
		return nil, false, c.buildError(fmt.Errorf("failed to decode cone search response: %w", err), catalog, raRad, decRad, radiusArcsec).Build()
	}
	rs, err := wire.toResultSet()
	if err != nil {
		c.metrics.RecordError(metrics.OpConeSearch, "decode")
		return nil, false, err
	}
	return rs, false, nil
}

func (c *HTTPClient) buildError(err error, catalog string, raRad, decRad, radiusArcsec float64) *errors.ErrorBuilder {
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryCatalog).
		CatalogContext(catalog, skycoord.RadToDeg(raRad), skycoord.RadToDeg(decRad), radiusArcsec)
}

// ClearCache drops all cached results.
func (c *HTTPClient) ClearCache() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

// GetCacheStats returns the number of cached result sets.
func (c *HTTPClient) GetCacheStats() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.ItemCount()
}

// Close stops the cache janitor and releases pooled connections.
func (c *HTTPClient) Close() error {
	c.closeOnce.Do(func() {
		if c.stopJanitor != nil {
			close(c.stopJanitor)
			<-c.janitorDone
		}
		c.httpClient.CloseIdleConnections()
	})
	return nil
}

// cacheKey rounds positions to about 0.2 milliarcseconds.
func cacheKey(catalog string, raRad, decRad, radiusArcsec float64) string {
	return fmt.Sprintf("%s|%.9f|%.9f|%.4f", catalog, raRad, decRad, radiusArcsec)
}
