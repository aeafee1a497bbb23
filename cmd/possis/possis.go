package possis

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/kilonova"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/observability"
)

// Command creates the possis command, which loads the configured kilonova
// model and prints a summary of it.
func Command(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "possis",
		Short: "Load a POSSIS kilonova model and describe it",
		Long:  "Load the model grid selected by the kilonova settings and print its name, grid size and fit parameters.",
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

			cfg, err := kilonova.ConfigFromSettings(&ctx.Settings.Kilonova)
			if err != nil {
				return err
			}
			unit, err := kilonova.NewUnit(cfg, noFitter, logs.Module("kilonova"), kilonova.WithMetrics(m.Kilonova))
			if err != nil {
				return err
			}
			if err := unit.PostInit(cmd.Context()); err != nil {
				return err
			}

			describe(cmd.OutOrStdout(), cfg.Spec, unit.Model())
			return nil
		},
	}
}

// noFitter stands in for the light-curve fitter, which runs elsewhere.
var noFitter = kilonova.FitterFunc(func(context.Context, kilonova.FitRequest) (map[string]any, error) {
	return nil, errors.NewStd("fitting is not available from the command line")
})

func describe(w io.Writer, spec kilonova.ModelSpec, m *kilonova.Model) {
	src := m.Source
	fmt.Fprintf(w, "name:        %s\n", m.Name)
	fmt.Fprintf(w, "path:        %s\n", spec.Path())
	fmt.Fprintf(w, "grid:        %d phases x %d wavelengths\n", len(src.Phase), len(src.Wave))
	fmt.Fprintf(w, "phase:       %g .. %g days\n", src.MinPhase(), src.MaxPhase())
	fmt.Fprintf(w, "wavelength:  %g .. %g AA\n", src.MinWave(), src.MaxWave())

	params := make([]string, 0, len(m.ParamNames))
	for _, name := range m.ParamNames {
		v, _ := m.Param(name)
		params = append(params, fmt.Sprintf("%s=%g", name, v))
	}
	fmt.Fprintf(w, "parameters:  %s\n", strings.Join(params, " "))
	fmt.Fprintf(w, "fit:         %s\n", strings.Join(m.FitParams, " "))
}
