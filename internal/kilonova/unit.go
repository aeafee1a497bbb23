package kilonova

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

// Model parameter names.
const (
	ParamZ         = "z"
	ParamT0        = "t0"
	ParamAmplitude = "amplitude"
	ParamMWEBV     = "mwebv"
	ParamMWRV      = "mwr_v"
)

// StockInfoUnit is the view carrying the stock trigger time.
const StockInfoUnit = "T2PropagateStockInfo"

// Result codes.
const (
	CodeOK          = "OK"
	CodeMissingInfo = "T2_MISSING_INFO"
)

// ExplosionMode says how t0 is chosen.
type ExplosionMode int

const (
	// ExplosionFree leaves t0 to the fit.
	ExplosionFree ExplosionMode = iota
	// ExplosionFixed pins t0 to a configured Julian date.
	ExplosionFixed
	// ExplosionStockTrigger pins t0 to the trigger time of the stock, read
	// from the T2PropagateStockInfo view on every call.
	ExplosionStockTrigger
)

// ExplosionTime is the parsed explosion_time setting.
type ExplosionTime struct {
	Mode ExplosionMode
	JD   float64
}

// ParseExplosionTime accepts "", "StockTriggerTime" or a Julian date.
func ParseExplosionTime(s string) (ExplosionTime, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return ExplosionTime{Mode: ExplosionFree}, nil
	case conf.StockTriggerTime:
		return ExplosionTime{Mode: ExplosionStockTrigger}, nil
	}
	jd, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(jd) || math.IsInf(jd, 0) {
		return ExplosionTime{}, errors.ConfigurationError("kilonova.explosion_time",
			fmt.Errorf("want %q or a Julian date, got %q", conf.StockTriggerTime, s))
	}
	return ExplosionTime{Mode: ExplosionFixed, JD: jd}, nil
}

// Config configures a Unit.
type Config struct {
	Spec              ModelSpec
	ApplyMWCorrection bool
	RedshiftKind      string
	BackupZ           *float64
	ExplosionTime     ExplosionTime
	MaxLoadWait       time.Duration
}

// ConfigFromSettings converts the kilonova settings section.
func ConfigFromSettings(s *conf.KilonovaSettings) (Config, error) {
	et, err := ParseExplosionTime(s.ExplosionTime)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Spec: ModelSpec{
			Dir:        s.ModelDir,
			Generation: s.ModelGen,
			MejDyn:     s.MejDyn,
			MejWind:    s.MejWind,
			Phi:        s.Phi,
			CosTheta:   s.CosTheta,
		},
		ApplyMWCorrection: s.ApplyMWCorrection,
		RedshiftKind:      s.RedshiftKind,
		ExplosionTime:     et,
		MaxLoadWait:       s.MaxLoadWait,
	}
	if s.BackupZ != nil {
		z := *s.BackupZ
		cfg.BackupZ = &z
	}
	return cfg, nil
}

// Model is a source with its parameter values and the subset left free for
// the fit.
type Model struct {
	Name       string
	Source     *TimeSeries
	ParamNames []string
	FitParams  []string
	params     map[string]float64
}

// Param returns the value of a parameter.
func (m *Model) Param(name string) (float64, bool) {
	v, ok := m.params[name]
	return v, ok
}

// Set assigns a known parameter.
func (m *Model) Set(name string, value float64) error {
	if _, ok := m.params[name]; !ok {
		return errors.Newf("unknown model parameter %q", name).
			Component("kilonova").
			Category(errors.CategoryValidation).
			Build()
	}
	m.params[name] = value
	return nil
}

// Parameters returns the values in ParamNames order.
func (m *Model) Parameters() []float64 {
	out := make([]float64, len(m.ParamNames))
	for i, name := range m.ParamNames {
		out[i] = m.params[name]
	}
	return out
}

// Fix pins a parameter and removes it from the fit.
func (m *Model) Fix(name string, value float64) error {
	if err := m.Set(name, value); err != nil {
		return err
	}
	m.FitParams = slices.DeleteFunc(m.FitParams, func(p string) bool { return p == name })
	return nil
}

// Clone returns a copy that shares only the read-only source.
func (m *Model) Clone() *Model {
	return &Model{
		Name:       m.Name,
		Source:     m.Source,
		ParamNames: slices.Clone(m.ParamNames),
		FitParams:  slices.Clone(m.FitParams),
		params:     maps.Clone(m.params),
	}
}

// View is the result of another unit on the same object.
type View struct {
	Unit    string
	Payload any
}

// FitRequest is what the Fitter receives.
type FitRequest struct {
	Model      *Model
	LightCurve *alert.Alert
	Views      []View
}

// Fitter fits a prepared model to a light curve.
type Fitter interface {
	Fit(ctx context.Context, req FitRequest) (map[string]any, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(ctx context.Context, req FitRequest) (map[string]any, error)

// Fit calls f.
func (f FitterFunc) Fit(ctx context.Context, req FitRequest) (map[string]any, error) {
	return f(ctx, req)
}

// Result is the outcome of Process.
type Result struct {
	Code string         `json:"code"`
	Body map[string]any `json:"body,omitempty"`
}

// Unit prepares a POSSIS model and hands light curves to a Fitter.
type Unit struct {
	cfg     Config
	fitter  Fitter
	log     logger.Logger
	metrics metrics.Recorder
	loadOps []LoadOption

	mu    sync.RWMutex
	model *Model
}

// Option configures a Unit.
type Option func(*Unit)

// WithMetrics records model loads and fits.
func WithMetrics(r metrics.Recorder) Option {
	return func(u *Unit) { u.metrics = r }
}

// WithLoadOptions passes options through to LoadModel.
func WithLoadOptions(opts ...LoadOption) Option {
	return func(u *Unit) { u.loadOps = append(u.loadOps, opts...) }
}

// NewUnit creates a unit. PostInit must be called before Process.
func NewUnit(cfg Config, fitter Fitter, log logger.Logger, opts ...Option) (*Unit, error) {
	if fitter == nil {
		return nil, errors.ConfigurationError("kilonova.fitter", errors.NewStd("fitter is nil"))
	}
	if log == nil {
		return nil, errors.ConfigurationError("logger", errors.NewStd("a logger is required"))
	}
	u := &Unit{
		cfg:     cfg,
		fitter:  fitter,
		log:     log,
		metrics: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// PostInit loads the model grid and derives the parameter lists.
func (u *Unit) PostInit(ctx context.Context) error {
	start := time.Now()
	opts := append([]LoadOption{
		WithMaxWait(u.cfg.MaxLoadWait),
		WithRetryNotify(func(err error, wait time.Duration) {
			u.log.Warn("model load failed, retrying",
				logger.String("model", u.cfg.Spec.Name()),
				logger.Duration("wait", wait),
				logger.Error(err))
		}),
	}, u.loadOps...)

	source, err := LoadModel(ctx, u.cfg.Spec, opts...)
	u.metrics.RecordDuration(metrics.OpModelLoad, time.Since(start).Seconds())
	if err != nil {
		u.metrics.RecordOperation(metrics.OpModelLoad, metrics.StatusError)
		return err
	}
	u.metrics.RecordOperation(metrics.OpModelLoad, metrics.StatusSuccess)

	model := u.buildModel(source)
	u.mu.Lock()
	u.model = model
	u.mu.Unlock()

	u.log.Info("kilonova model loaded",
		logger.String("model", model.Name),
		logger.Int("phases", len(source.Phase)),
		logger.Int("wavelengths", len(source.Wave)),
		logger.Strings("fit_params", model.FitParams))
	return nil
}

func (u *Unit) buildModel(source *TimeSeries) *Model {
	m := &Model{
		Name:       source.Name,
		Source:     source,
		ParamNames: []string{ParamZ, ParamT0, ParamAmplitude},
		params:     map[string]float64{ParamZ: 0, ParamT0: 0, ParamAmplitude: 1},
	}
	if u.cfg.ApplyMWCorrection {
		m.ParamNames = append(m.ParamNames, ParamMWEBV, ParamMWRV)
		m.params[ParamMWEBV] = 0
		m.params[ParamMWRV] = 3.1
	}
	m.FitParams = slices.Clone(m.ParamNames)

	// E(B-V) comes from the dust map, never the fit.
	if u.cfg.ApplyMWCorrection {
		m.FitParams = slices.DeleteFunc(m.FitParams, func(p string) bool { return p == ParamMWEBV })
	}
	if u.cfg.RedshiftKind != "" || u.cfg.BackupZ != nil {
		m.FitParams = slices.DeleteFunc(m.FitParams, func(p string) bool { return p == ParamZ })
	}
	if u.cfg.ExplosionTime.Mode == ExplosionFixed {
		_ = m.Fix(ParamT0, u.cfg.ExplosionTime.JD)
	}
	return m
}

// Model returns a copy of the prepared model, nil before PostInit.
func (u *Unit) Model() *Model {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.model == nil {
		return nil
	}
	return u.model.Clone()
}

// Process fits the light curve. With the stock trigger explosion time, t0
// is pinned from the latest T2PropagateStockInfo payload first; a payload
// without explosion_time yields a missing-info result.
func (u *Unit) Process(ctx context.Context, lc *alert.Alert, views []View) (Result, error) {
	model := u.Model()
	if model == nil {
		return Result{}, errors.Newf("kilonova unit used before PostInit").
			Component("kilonova").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := u.log.WithContext(ctx)

	if u.cfg.ExplosionTime.Mode == ExplosionStockTrigger {
		for _, v := range views {
			if v.Unit != StockInfoUnit {
				continue
			}
			log.Debug("parsing stock info", logger.String("unit", v.Unit))

			jd, found, err := explosionJD(v.Payload)
			if err != nil {
				u.metrics.RecordOperation(metrics.OpFit, metrics.StatusError)
				return Result{}, err
			}
			if !found {
				log.Info("no explosion time", logger.Any("payload", v.Payload))
				u.metrics.RecordOperation(metrics.OpFit, metrics.StatusMissingInfo)
				return Result{Code: CodeMissingInfo}, nil
			}
			log.Debug("reset explosion time", logger.Float64("explosion_time", jd))
			if err := model.Fix(ParamT0, jd); err != nil {
				return Result{}, err
			}
		}
	}

	// The fit reads model and filter files; running out of descriptors is
	// retried like a model load.
	fitOpts := newLoadOptions(append([]LoadOption{
		WithMaxWait(u.cfg.MaxLoadWait),
		WithRetryNotify(func(err error, wait time.Duration) {
			log.Warn("fit failed, retrying",
				logger.String("model", model.Name),
				logger.Duration("wait", wait),
				logger.Error(err))
		}),
	}, u.loadOps...)...)
	req := FitRequest{Model: model, LightCurve: lc, Views: views}

	start := time.Now()
	body, err := retryOnEMFILE(ctx, fitOpts, func() (map[string]any, error) {
		return u.fitter.Fit(ctx, req)
	})
	u.metrics.RecordDuration(metrics.OpFit, time.Since(start).Seconds())
	if err != nil {
		u.metrics.RecordOperation(metrics.OpFit, metrics.StatusError)
		return Result{}, errors.New(fmt.Errorf("fit %s: %w", model.Name, err)).
			Component("kilonova").
			Category(errors.CategoryGeneric).
			Build()
	}
	u.metrics.RecordOperation(metrics.OpFit, metrics.StatusSuccess)
	return Result{Code: CodeOK, Body: body}, nil
}

// explosionJD reads explosion_time from a stock info payload. A list payload
// holds successive results; the last one counts.
func explosionJD(payload any) (float64, bool, error) {
	if list, ok := payload.([]any); ok {
		if len(list) == 0 {
			return 0, false, nil
		}
		payload = list[len(list)-1]
	}
	doc, ok := payload.(map[string]any)
	if !ok {
		return 0, false, nil
	}
	raw, ok := doc["explosion_time"]
	if !ok {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case string:
		jd, err := DateToJD(v)
		if err != nil {
			return 0, false, err
		}
		return jd, true, nil
	default:
		return 0, false, errors.Newf("explosion_time has type %T", raw).
			Component("kilonova").
			Category(errors.CategoryValidation).
			Build()
	}
}

const unixEpochJD = 2440587.5

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// TimeToJD converts a time to a UTC Julian date.
func TimeToJD(t time.Time) float64 {
	return float64(t.UnixNano())/float64(24*time.Hour) + unixEpochJD
}

// DateToJD parses an ISO date or datetime, taken as UTC unless it carries an
// offset, and returns its Julian date.
func DateToJD(s string) (float64, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return TimeToJD(t), nil
		}
	}
	return 0, errors.Newf("unrecognised explosion_time %q", s).
		Component("kilonova").
		Category(errors.CategoryValidation).
		Build()
}
