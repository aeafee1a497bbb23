// Package filter decides whether an astronomical transient alert is worth
// forwarding for further processing.
//
// An Engine runs an ordered chain of gates over the alert's latest
// detection: history length and span, field completeness, image quality,
// solar system objects, galactic latitude, PS1 star-galaxy vetoes and a GAIA
// cone search for foreground stars. The first failing gate rejects the
// alert; an alert passing every gate is accepted with the configured tags.
//
// Rejections are ordinary results. Evaluate returns an error only when a
// decision could not be reached, which in practice means the catalog
// service failed.
package filter

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability/metrics"
)

// Engine evaluates alerts against a fixed configuration. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg     Config
	gates   []Gate
	catalog catalog.Service
	log     logger.Logger
	metrics metrics.Recorder
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithGates replaces the default gate chain.
func WithGates(gates ...Gate) Option {
	return func(e *Engine) {
		e.gates = slices.Clone(gates)
	}
}

// New validates cfg and builds an engine around the catalog service. The
// engine takes ownership of svc and closes it in Close when it is an
// io.Closer.
func New(cfg Config, log logger.Logger, svc catalog.Service, opts ...Option) (*Engine, error) {
	cfg.T2Compute = slices.Clone(cfg.T2Compute)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.ConfigurationError("catalog", errors.NewStd("a catalog service is required"))
	}
	if log == nil {
		return nil, errors.ConfigurationError("logger", errors.NewStd("a logger is required"))
	}

	e := &Engine{
		cfg:     cfg,
		gates:   DefaultGates(),
		catalog: svc,
		log:     log.Module("filter"),
		metrics: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.log.Info("decision engine ready",
		logger.Int("gates", len(e.gates)),
		logger.Int("min_ndet", cfg.MinNdet),
		logger.Float64("min_tspan", cfg.MinTspan),
		logger.Float64("max_tspan", cfg.MaxTspan),
		logger.Float64("min_rb", cfg.MinRB),
		logger.Float64("min_drb", cfg.MinDRB),
		logger.Float64("min_gal_lat", cfg.MinGalLat),
		logger.String("gaia_catalog", cfg.GaiaCatalog),
		logger.Float64("gaia_rs", cfg.GaiaRS),
		logger.Strings("t2_compute", cfg.T2Compute))
	return e, nil
}

// Config returns a copy of the engine's thresholds.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.T2Compute = slices.Clone(cfg.T2Compute)
	return cfg
}

// Evaluate runs the gate chain over a. Each evaluation gets an ID that is
// attached to its log lines as trace ID unless ctx already carries one.
func (e *Engine) Evaluate(ctx context.Context, a *alert.Alert) (Decision, error) {
	if a == nil {
		return Decision{}, errors.ValidationError("alert is nil")
	}

	if logger.TraceIDFromContext(ctx) == "" {
		ctx = logger.WithTraceID(ctx, uuid.NewString())
	}
	log := e.log.WithContext(ctx).With(
		logger.String("object_id", a.ObjectID),
		logger.Int64("candid", a.ID))

	latest, _ := a.Latest()
	in := &Input{Alert: a, Latest: latest, Config: &e.cfg, Catalog: e.catalog}

	start := time.Now()
	defer func() {
		e.metrics.RecordDuration(metrics.OpEvaluate, time.Since(start).Seconds())
	}()

	for _, g := range e.gates {
		gateStart := time.Now()
		rej, err := g.Check(ctx, in)
		e.metrics.RecordDuration(metrics.OpGate+":"+g.Name, time.Since(gateStart).Seconds())

		if err != nil {
			e.metrics.RecordError(metrics.OpEvaluate, errorType(err))
			log.Error("alert evaluation failed",
				logger.String("gate", g.Name),
				logger.Error(err))
			return Decision{}, err
		}
		if rej != nil {
			e.metrics.RecordOperation(metrics.OpEvaluate, string(rej.Reason))
			fields := []logger.Field{logger.String("gate", g.Name), logger.String("reason", string(rej.Reason))}
			if rej.Field != "" {
				fields = append(fields, logger.String("field", rej.Field))
			}
			if rej.Value != nil {
				fields = append(fields, logger.Any("value", rej.Value))
			}
			log.Info("alert rejected", fields...)
			return rej.decision(), nil
		}
	}

	e.metrics.RecordOperation(metrics.OpEvaluate, metrics.StatusAccepted)
	if id, ok := latest.CandID(); ok {
		log.Debug("alert accepted", logger.Int64("latest_candid", id))
	} else {
		log.Debug("alert accepted")
	}
	return Accepted(e.cfg.T2Compute), nil
}

// Close releases the catalog service.
func (e *Engine) Close() error {
	if c, ok := e.catalog.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return string(ee.Category)
	}
	return "unknown"
}
