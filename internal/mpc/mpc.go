// Package mpc checks whether the latest detection of a transient coincides
// with a known solar system body, using the Minor Planet Center's mpcheck
// service.
package mpc

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

const (
	// DefaultTimeout bounds one mpcheck round trip.
	DefaultTimeout = 30 * time.Second
	// DefaultSearchRadius is the mpcheck search radius in arcminutes.
	DefaultSearchRadius = 1.0
	// DefaultMagLimit is the V-band limit passed to mpcheck.
	DefaultMagLimit = 22.0

	maxErrorBody = 512
)

// Result codes.
const (
	CodeOK          = "OK"
	CodeMissingInfo = "T2_MISSING_INFO"
)

// Config holds configuration for the mpcheck client.
type Config struct {
	URL          string
	SearchRadius float64 // arcminutes
	MagLimit     float64
	Timeout      time.Duration
	CacheTTL     time.Duration // zero disables caching
	RateLimit    float64       // requests per second, zero means unlimited
	Burst        int
}

// ConfigFromSettings converts the mpc settings section.
func ConfigFromSettings(s *conf.MPCSettings) Config {
	return Config{
		URL:          s.URL,
		SearchRadius: s.SearchRadius,
		MagLimit:     s.MagLimit,
		Timeout:      s.Timeout,
		CacheTTL:     s.CacheTTL,
		RateLimit:    s.RateLimit,
		Burst:        s.Burst,
	}
}

// Result lists the known bodies found around the detection. Distances and
// magnitudes are nil when there is no match.
type Result struct {
	Code            string    `json:"code"`
	JD              float64   `json:"jd,omitempty"`
	NDet            int       `json:"ndet"`
	AngDistancesDeg []float64 `json:"ang_distances_deg"`
	Mags            []float64 `json:"mags"`
}

// Client queries mpcheck. Answers are cached per position and date.
type Client struct {
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

// Option customizes a Client.
type Option func(*Client)

// WithMetrics attaches a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates an mpcheck client.
func NewClient(cfg Config, log logger.Logger, opts ...Option) (*Client, error) {
	if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("mpc url %q must be an absolute URL", cfg.URL).
			Component("mpc").
			Category(errors.CategoryConfiguration).
			Context("setting", "mpc.url").
			Build()
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = DefaultSearchRadius
	}
	if cfg.MagLimit == 0 {
		cfg.MagLimit = DefaultMagLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		metrics:    metrics.NopRecorder{},
		log:        log.Module("mpc"),
	}
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

func (c *Client) janitor(interval time.Duration) {
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

// CheckLatest looks up the most recent detection of the alert. An alert
// without a detection, or whose latest detection lacks ra, dec or jd, gives
// a missing-info result.
func (c *Client) CheckLatest(ctx context.Context, a *alert.Alert) (Result, error) {
	latest, ok := a.Latest()
	if !ok {
		c.metrics.RecordOperation(metrics.OpMPCCheck, metrics.StatusMissingInfo)
		return Result{Code: CodeMissingInfo}, nil
	}
	return c.Check(ctx, latest)
}

// Check looks up one detection.
func (c *Client) Check(ctx context.Context, det alert.Detection) (Result, error) {
	ra, okRA := det.Float(alert.FieldRA)
	dec, okDec := det.Float(alert.FieldDec)
	jd, okJD := det.Float(alert.FieldJD)
	if !okRA || !okDec || !okJD {
		c.metrics.RecordOperation(metrics.OpMPCCheck, metrics.StatusMissingInfo)
		return Result{Code: CodeMissingInfo}, nil
	}
	return c.CheckPosition(ctx, ra, dec, jd)
}

// CheckPosition looks up the equatorial position (degrees) at Julian date jd.
func (c *Client) CheckPosition(ctx context.Context, raDeg, decDeg, jd float64) (Result, error) {
	log := c.log.WithContext(ctx)
	log.Debug("checking MPC",
		logger.Float64("ra", raDeg),
		logger.Float64("dec", decDeg),
		logger.Float64("jd", jd))

	form := c.form(raDeg, decDeg, jd)
	key := form.Encode()
	if c.cache != nil {
		if cached, found := c.cache.Get(key); found {
			return cached.(Result), nil
		}
	}

	start := time.Now()
	body, err := c.post(ctx, form)
	c.metrics.RecordDuration(metrics.OpMPCCheck, time.Since(start).Seconds())
	if err != nil {
		c.metrics.RecordOperation(metrics.OpMPCCheck, metrics.StatusError)
		return Result{}, err
	}

	matches, err := parseResponse(body)
	if err != nil {
		c.metrics.RecordOperation(metrics.OpMPCCheck, metrics.StatusError)
		return Result{}, errors.New(err).
			Component("mpc").
			Category(errors.CategoryFileParsing).
			Context("response_length", len(body)).
			Build()
	}
	c.metrics.RecordOperation(metrics.OpMPCCheck, metrics.StatusSuccess)

	res := Result{Code: CodeOK, JD: jd, NDet: len(matches)}
	for _, m := range matches {
		res.AngDistancesDeg = append(res.AngDistancesDeg, m.separationDeg(raDeg, decDeg))
		res.Mags = append(res.Mags, m.Mag)
	}
	if c.cache != nil {
		c.cache.Set(key, res, cache.DefaultExpiration)
	}

	log.Debug("MPC check completed",
		logger.Int("ndet", res.NDet),
		logger.Duration("elapsed", time.Since(start)))
	return res, nil
}

// form builds the mpcheck request for a position and date.
func (c *Client) form(raDeg, decDeg, jd float64) url.Values {
	t := jdToTime(jd)
	mjd := jd - mjdOffset
	day := math.Round((float64(t.Day())+mjd-math.Floor(mjd))*100) / 100

	return url.Values{
		"year":     {t.Format("2006")},
		"month":    {t.Format("01")},
		"day":      {strconv.FormatFloat(day, 'f', -1, 64)},
		"which":    {"pos"},
		"ra":       {formatHours(raDeg / 15)},
		"decl":     {formatDegrees(decDeg)},
		"TextArea": {""},
		"radius":   {strconv.FormatFloat(c.config.SearchRadius, 'f', -1, 64)},
		"limit":    {strconv.FormatFloat(c.config.MagLimit, 'f', -1, 64)},
		"oc":       {"500"},
		"sort":     {"d"},
		"mot":      {"h"},
		"tmot":     {"s"},
		"pdes":     {"u"},
		"needed":   {"f"},
		"ps":       {"n"},
		"type":     {"p"},
	}
}

func (c *Client) post(ctx context.Context, form url.Values) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", c.buildError(fmt.Errorf("rate limiter: %w", err)).Build()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.config.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", c.buildError(fmt.Errorf("failed to create mpcheck request: %w", err)).Build()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorType := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}
		c.metrics.RecordError(metrics.OpMPCCheck, errorType)
		return "", c.buildError(fmt.Errorf("mpcheck request failed: %w", err)).
			NetworkContext(c.config.URL, c.config.Timeout).
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.RecordError(metrics.OpMPCCheck, "http_status")
		return "", c.buildError(fmt.Errorf("mpcheck returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))).
			Context("status_code", resp.StatusCode).
			Build()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordError(metrics.OpMPCCheck, "network")
		return "", c.buildError(fmt.Errorf("failed to read mpcheck response: %w", err)).Build()
	}
	return string(body), nil
}

func (c *Client) buildError(err error) *errors.ErrorBuilder {
	return errors.New(err).
		Component("mpc").
		Category(errors.CategoryNetwork)
}

// Close stops the cache janitor and releases pooled connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.stopJanitor != nil {
			close(c.stopJanitor)
			<-c.janitorDone
		}
		c.httpClient.CloseIdleConnections()
	})
	return nil
}
