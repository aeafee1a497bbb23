// Package app wires settings into the running decision engine: logging,
// telemetry, metrics, the catalog service and MQTT forwarding.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/ampelproject/decentfilter/internal/buildinfo"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/filter"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/mpc"
	"github.com/ampelproject/decentfilter/internal/mqtt"
	"github.com/ampelproject/decentfilter/internal/observability"
)

const sentryFlushTimeout = 2 * time.Second

// Context carries what every command needs before settings are loaded.
type Context struct {
	ConfigPath string
	Settings   *conf.Settings
	Build      *buildinfo.Context
}

// App is the assembled runtime.
type App struct {
	Settings  *conf.Settings
	Logs      *logger.CentralLogger
	Log       logger.Logger
	Metrics   *observability.Metrics
	Catalog   catalog.Service
	Engine    *filter.Engine
	MPC       *mpc.Client
	Publisher mqtt.Publisher

	sentry bool
}

type options struct {
	console io.Writer
	catalog catalog.Service
	forward bool
	release string
}

// Option configures New.
type Option func(*options)

// WithConsole sends console logs to w instead of stdout.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithCatalog replaces the configured catalog service.
func WithCatalog(svc catalog.Service) Option {
	return func(o *options) { o.catalog = svc }
}

// WithForwarding overrides mqtt.enabled.
func WithForwarding(enabled bool) Option {
	return func(o *options) { o.forward = enabled }
}

// WithRelease names the release reported to Sentry.
func WithRelease(release string) Option {
	return func(o *options) { o.release = release }
}

// New assembles the runtime. On error everything already opened is closed.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (a *App, err error) {
	o := options{console: os.Stdout, forward: settings.MQTT.Enabled}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{Settings: settings, Publisher: mqtt.NopPublisher{}}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	logCfg := settings.Logging
	if settings.Debug {
		logCfg.DefaultLevel = string(logger.LogLevelDebug)
	}
	if a.Logs, err = logger.NewCentralLoggerWithConsole(&logCfg, o.console); err != nil {
		return a, errors.ConfigurationError("logging", err)
	}
	a.Log = a.Logs.Module("app")

	if err = a.initSentry(&settings.Sentry, o.release); err != nil {
		return a, err
	}

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return a, err
	}

	a.Catalog = o.catalog
	if a.Catalog == nil {
		if a.Catalog, err = a.newCatalog(&settings.Catalog); err != nil {
			return a, err
		}
	}

	cfg, err := filter.ConfigFromSettings(settings)
	if err != nil {
		return a, err
	}
	if a.Engine, err = filter.New(cfg, a.Logs.Module("filter"), a.Catalog, filter.WithMetrics(a.Metrics.Filter)); err != nil {
		return a, err
	}

	if a.MPC, err = mpc.NewClient(mpc.ConfigFromSettings(&settings.MPC), a.Logs.Module("mpc"),
		mpc.WithMetrics(a.Metrics.Catalog)); err != nil {
		return a, err
	}

	if o.forward {
		if a.Publisher, err = a.newPublisher(ctx, &settings.MQTT); err != nil {
			return a, err
		}
	}

	return a, nil
}

func (a *App) initSentry(s *conf.SentrySettings, release string) error {
	if !s.Enabled {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              s.DSN,
		Environment:      s.Environment,
		Release:          release,
		SampleRate:       1.0,
		AttachStacktrace: true,
	})
	if err != nil {
		return errors.ConfigurationError("sentry", fmt.Errorf("sentry initialization failed: %w", err))
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	a.sentry = true
	a.Log.Info("error telemetry enabled", logger.String("environment", s.Environment))
	return nil
}

func (a *App) newCatalog(s *conf.CatalogSettings) (catalog.Service, error) {
	if s.Fixture != "" {
		svc, err := catalog.LoadStaticService(s.Fixture)
		if err != nil {
			return nil, err
		}
		a.Log.Info("using static catalog", logger.String("fixture", s.Fixture))
		return svc, nil
	}
	client, err := catalog.NewHTTPClient(catalog.Config{
		BaseURL:    s.URL,
		Timeout:    s.Timeout,
		CacheTTL:   s.CacheTTL,
		RateLimit:  s.RateLimit,
		Burst:      s.Burst,
		MaxRetries: s.MaxRetries,
	}, a.Logs.Module("catalog"), catalog.WithMetrics(a.Metrics.Catalog))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) newPublisher(ctx context.Context, s *conf.MQTTSettings) (mqtt.Publisher, error) {
	cfg := mqtt.ConfigFromSettings(s)
	log := a.Logs.Module("mqtt")
	client, err := mqtt.NewClient(cfg, log, a.Metrics.MQTT)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Disconnect()
		return nil, err
	}
	return mqtt.NewAlertPublisher(client, cfg.Topic, log), nil
}

// Close releases the publisher, the catalog and MPC clients, telemetry and
// log files.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if c, ok := a.Catalog.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MPC != nil {
		if err := a.MPC.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sentry {
		sentry.Flush(sentryFlushTimeout)
		errors.SetTelemetryReporter(nil)
	}
	if a.Logs != nil {
		if err := a.Logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
