package mpc

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	minorplanet "github.com/ampelproject/decentfilter/internal/mpc"
	"github.com/ampelproject/decentfilter/internal/observability"
)

// Command creates the mpc command, which asks the Minor Planet Center for
// known bodies near a position and prints the answer as JSON.
func Command(ctx *app.Context) *cobra.Command {
	var ra, dec, jd float64

	cmd := &cobra.Command{
		Use:   "mpc",
		Short: "Look up known solar system bodies near a position",
		Long:  "Query the Minor Planet Center checker for bodies near --ra/--dec (degrees) at Julian date --jd and print the matches.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := logger.NewCentralLoggerWithConsole(&ctx.Settings.Logging, cmd.ErrOrStderr())
			if err != nil {
				return errors.ConfigurationError("logging", err)
			}
			defer func() { _ = logs.Close() }()

			m, err := observability.NewMetrics()
			if err != nil {
				return err
			}

			client, err := minorplanet.NewClient(minorplanet.ConfigFromSettings(&ctx.Settings.MPC), logs.Module("cli"),
				minorplanet.WithMetrics(m.Catalog))
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			res, err := client.CheckPosition(cmd.Context(), ra, dec, jd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(res)
		},
	}

	cmd.Flags().Float64Var(&ra, "ra", 0, "Right ascension in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "Declination in degrees")
	cmd.Flags().Float64Var(&jd, "jd", 0, "Julian date of the detection")
	_ = cmd.MarkFlagRequired("ra")
	_ = cmd.MarkFlagRequired("dec")
	_ = cmd.MarkFlagRequired("jd")

	return cmd
}
