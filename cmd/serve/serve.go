package serve

import (
	"github.com/spf13/cobra"

	"github.com/ampelproject/decentfilter/internal/api"
	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/errors"
)

// Command creates the serve command, which runs the HTTP API until the
// context is cancelled.
func Command(ctx *app.Context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serve alert evaluation over HTTP, with health and Prometheus metrics endpoints.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := ctx.Settings
			if listen != "" {
				settings.WebServer.Listen = listen
			}
			if !settings.WebServer.Enabled {
				return errors.ConfigurationError("webserver.enabled", errors.NewStd("the HTTP API is disabled in the configuration"))
			}

			opts := []app.Option{app.WithConsole(cmd.ErrOrStderr())}
			version := ""
			if ctx.Build != nil {
				opts = append(opts, app.WithRelease(ctx.Build.Release()))
				version = ctx.Build.GetVersion()
			}

			a, err := app.New(cmd.Context(), settings, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			serverOpts := []api.ServerOption{
				api.WithMetrics(a.Metrics),
				api.WithVersion(version),
				api.WithMPC(a.MPC),
			}
			if settings.MQTT.Enabled {
				serverOpts = append(serverOpts, api.WithPublisher(a.Publisher))
			}

			server, err := api.NewFromSettings(settings, a.Engine, a.Logs.Module("api"), serverOpts...)
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides webserver.listen")

	return cmd
}
