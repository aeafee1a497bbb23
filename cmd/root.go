package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampelproject/decentfilter/cmd/config"
	"github.com/ampelproject/decentfilter/cmd/filter"
	"github.com/ampelproject/decentfilter/cmd/mpc"
	"github.com/ampelproject/decentfilter/cmd/possis"
	"github.com/ampelproject/decentfilter/cmd/serve"
	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "decentfilter",
		Short:         "AMPEL DecentFilter alert decision engine",
		Version:       ctx.Build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.ConfigPath, "config", "c", "", "Path to config.yaml (default: search the standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		filter.Command(ctx),
		serve.Command(ctx),
		possis.Command(ctx),
		mpc.Command(ctx),
		config.Command(ctx),
	)

	// Settings are loaded after flag parsing so --config takes effect.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		settings, err := conf.Load(ctx.ConfigPath)
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		if debug {
			settings.Debug = true
		}
		ctx.Settings = settings
		return nil
	}

	return rootCmd
}
