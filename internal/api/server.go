package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ampelproject/decentfilter/internal/alert"
	mw "github.com/ampelproject/decentfilter/internal/api/middleware"
	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/filter"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/mpc"
	"github.com/ampelproject/decentfilter/internal/mqtt"
	"github.com/ampelproject/decentfilter/internal/observability"
)

// Evaluator decides on one alert. *filter.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, a *alert.Alert) (filter.Decision, error)
}

// MPCChecker looks up the latest detection of an alert at the Minor Planet
// Center. *mpc.Client implements it.
type MPCChecker interface {
	CheckLatest(ctx context.Context, a *alert.Alert) (mpc.Result, error)
}

// Server is the HTTP server for decentfilter.
// It manages the Echo framework instance, middleware, and all HTTP routes.
type Server struct {
	// Core components
	echo    *echo.Echo
	config  *Config
	log     logger.Logger
	version string

	// Dependencies
	evaluator  Evaluator
	publisher  mqtt.Publisher
	forwarding bool
	metrics    *observability.Metrics
	mpc        MPCChecker

	startTime time.Time
	errCh     chan error
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithPublisher forwards accepted alerts.
func WithPublisher(p mqtt.Publisher) ServerOption {
	return func(s *Server) {
		if p != nil {
			s.publisher = p
			s.forwarding = true
		}
	}
}

// WithMPC enables POST /api/v1/alerts/mpc.
func WithMPC(c MPCChecker) ServerOption {
	return func(s *Server) {
		s.mpc = c
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new HTTP server with the given configuration and options.
func New(config *Config, evaluator Evaluator, log logger.Logger, opts ...ServerOption) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if evaluator == nil {
		return nil, fmt.Errorf("an evaluator is required")
	}
	if log == nil {
		return nil, fmt.Errorf("a logger is required")
	}

	s := &Server{
		config:    config,
		log:       log,
		evaluator: evaluator,
		publisher: mqtt.NopPublisher{},
		version:   "dev",
		startTime: time.Now(),
		errCh:     make(chan error, 1),
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	// Initialize Echo
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug

	// Configure Echo server timeouts
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.Bool("metrics", config.Metrics && s.metrics != nil),
		logger.Bool("debug", config.Debug))

	return s, nil
}

// NewFromSettings builds a server from the application settings.
func NewFromSettings(settings *conf.Settings, evaluator Evaluator, log logger.Logger, opts ...ServerOption) (*Server, error) {
	return New(ConfigFromSettings(settings), evaluator, log, opts...)
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewTraceID())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/api/v1/health"
	}))

	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins

	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.healthCheck)
	v1.POST("/alerts/evaluate", s.evaluateAlert)
	if s.mpc != nil {
		v1.POST("/alerts/mpc", s.checkMPC)
	}

	if s.config.Metrics && s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Start begins serving HTTP requests in a background goroutine and returns
// immediately. Serve errors are reported by Wait.
func (s *Server) Start() {
	go func() {
		s.errCh <- s.startBlocking()
	}()
	s.log.Info("HTTP server starting", logger.String("address", s.config.Address()))
}

// startBlocking begins serving HTTP requests and blocks until the server is shut down.
func (s *Server) startBlocking() error {
	err := s.echo.Start(s.config.Address())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	select {
	case err := <-s.errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutdown signal received, initiating graceful shutdown")
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
