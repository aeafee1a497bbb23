package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/errors"
	decision "github.com/ampelproject/decentfilter/internal/filter"
	"github.com/ampelproject/decentfilter/internal/logger"
)

type flags struct {
	workers        int
	catalogFixture string
	forward        bool
}

// Line is one JSON line of output.
type Line struct {
	ObjectID  string             `json:"objectId"`
	CandID    int64              `json:"candid"`
	Decision  *decision.Decision `json:"decision,omitempty"`
	Forwarded bool               `json:"forwarded,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Command creates the filter command for evaluating alert files.
func Command(ctx *app.Context) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "filter <path>...",
		Short: "Evaluate alert files",
		Long: "Evaluate every alert in the given .json/.jsonl files or directories and " +
			"print one JSON decision per line, in input order.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx, &f, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&f.workers, "workers", "w", runtime.NumCPU(), "Number of alerts evaluated concurrently")
	cmd.Flags().StringVar(&f.catalogFixture, "catalog-fixture", "", "Answer cone searches from this JSON fixture instead of the catalog service")
	cmd.Flags().BoolVar(&f.forward, "forward", false, "Publish accepted alerts to MQTT")

	return cmd
}

func run(ctx context.Context, appCtx *app.Context, f *flags, paths []string, out, console io.Writer) error {
	if f.workers < 1 {
		return errors.ValidationError(fmt.Sprintf("--workers must be at least 1, got %d", f.workers))
	}

	var alerts []*alert.Alert
	for _, p := range paths {
		batch, err := alert.ReadPath(p)
		if err != nil {
			return err
		}
		alerts = append(alerts, batch...)
	}

	forward := f.forward || appCtx.Settings.MQTT.Enabled
	opts := []app.Option{
		app.WithConsole(console),
		app.WithForwarding(forward),
	}
	if appCtx.Build != nil {
		opts = append(opts, app.WithRelease(appCtx.Build.Release()))
	}
	if f.catalogFixture != "" {
		svc, err := catalog.LoadStaticService(f.catalogFixture)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithCatalog(svc))
	}

	a, err := app.New(ctx, appCtx.Settings, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	lines := evaluate(ctx, a, alerts, f.workers, forward)

	enc := json.NewEncoder(out)
	failed := 0
	accepted := 0
	for i := range lines {
		if lines[i].Error != "" {
			failed++
		} else if lines[i].Decision.Accepted {
			accepted++
		}
		if err := enc.Encode(&lines[i]); err != nil {
			return errors.New(err).
				Component("cli").
				Category(errors.CategoryFileIO).
				Build()
		}
	}

	a.Log.Info("filter run complete",
		logger.Int("alerts", len(lines)),
		logger.Int("accepted", accepted),
		logger.Int("failed", failed))

	if failed > 0 {
		return fmt.Errorf("%d of %d alerts could not be evaluated", failed, len(lines))
	}
	return nil
}

// evaluate runs the engine over alerts with at most workers in flight.
// Results keep the input order.
func evaluate(ctx context.Context, a *app.App, alerts []*alert.Alert, workers int, forward bool) []Line {
	lines := make([]Line, len(alerts))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, al := range alerts {
		g.Go(func() error {
			line := Line{ObjectID: al.ObjectID, CandID: al.ID}
			d, err := a.Engine.Evaluate(ctx, al)
			if err != nil {
				line.Error = err.Error()
				lines[i] = line
				return nil
			}
			line.Decision = &d
			if forward && d.Accepted {
				if err := a.Publisher.Publish(ctx, al, d); err != nil {
					a.Log.Warn("forwarding failed",
						logger.String("object_id", al.ObjectID),
						logger.Error(err))
				} else {
					line.Forwarded = true
				}
			}
			lines[i] = line
			return nil
		})
	}
	_ = g.Wait()
	return lines
}
