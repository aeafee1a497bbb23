// Package kilonova loads POSSIS kilonova spectral models and prepares them
// for light curve fits.
package kilonova

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ampelproject/decentfilter/internal/errors"
)

// DefaultMaxLoadWait bounds the retries of a model load that keeps failing
// with too many open files.
const DefaultMaxLoadWait = 300 * time.Second

// ErrCosThetaUndefined is returned when the requested viewing angle is not
// exactly one of the angles of the model grid.
var ErrCosThetaUndefined = errors.NewStd("model cos_theta not defined")

// ModelSpec selects one POSSIS model grid and one viewing angle in it.
type ModelSpec struct {
	Dir        string
	Generation string
	MejDyn     float64
	MejWind    float64
	Phi        int
	CosTheta   float64
}

// Name returns the model name: generation, ejecta masses, phi and cos_theta
// joined with underscores.
func (s ModelSpec) Name() string {
	return strings.Join([]string{
		s.Generation,
		formatFloat(s.MejDyn),
		formatFloat(s.MejWind),
		strconv.Itoa(s.Phi),
		formatFloat(s.CosTheta),
	}, "_")
}

// Path returns the location of the model grid file.
func (s ModelSpec) Path() string {
	file := fmt.Sprintf("nph1.0e+06_mejdyn%05.3f_mejwind%05.3f_phi%d.txt", s.MejDyn, s.MejWind, s.Phi)
	return filepath.Join(s.Dir, s.Generation, file)
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Opener opens a model file for reading.
type Opener func(path string) (io.ReadCloser, error)

func openFile(path string) (io.ReadCloser, error) {
	return os.Open(path) //nolint:gosec // path built from operator config
}

type loadOptions struct {
	open            Opener
	maxWait         time.Duration
	initialInterval time.Duration
	notify          func(err error, wait time.Duration)
}

// LoadOption configures LoadModel.
type LoadOption func(*loadOptions)

// WithOpener replaces os.Open.
func WithOpener(open Opener) LoadOption {
	return func(o *loadOptions) { o.open = open }
}

// WithMaxWait sets the total time spent retrying on EMFILE.
func WithMaxWait(d time.Duration) LoadOption {
	return func(o *loadOptions) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) LoadOption {
	return func(o *loadOptions) {
		if d > 0 {
			o.initialInterval = d
		}
	}
}

// WithRetryNotify is called before each retry.
func WithRetryNotify(fn func(err error, wait time.Duration)) LoadOption {
	return func(o *loadOptions) { o.notify = fn }
}

func newLoadOptions(opts ...LoadOption) loadOptions {
	o := loadOptions{
		open:            openFile,
		maxWait:         DefaultMaxLoadWait,
		initialInterval: backoff.DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// retryOnEMFILE runs op with exponential backoff for as long as it fails
// with EMFILE and the wait budget lasts. Any other error ends the loop.
func retryOnEMFILE[T any](ctx context.Context, o loadOptions, op func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.initialInterval
	eb.MaxElapsedTime = o.maxWait

	attempt := func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, syscall.EMFILE) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.RetryNotifyWithData(attempt, backoff.WithContext(eb, ctx), o.notify)
}

// LoadModel reads the grid file of a model and reduces it to its
// viewing angle. Opening the file is retried with exponential backoff while
// the process is out of file descriptors; every other failure is final.
func LoadModel(ctx context.Context, spec ModelSpec, opts ...LoadOption) (*TimeSeries, error) {
	o := newLoadOptions(opts...)
	path := spec.Path()
	ts, err := retryOnEMFILE(ctx, o, func() (*TimeSeries, error) {
		return loadOnce(spec, path, o.open)
	})
	if err == nil {
		return ts, nil
	}

	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		return nil, err
	}
	category := errors.CategoryModelLoad
	switch {
	case errors.Is(err, fs.ErrNotExist):
		category = errors.CategoryNotFound
	case errors.Is(err, context.Canceled):
		category = errors.CategoryCancellation
	case errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryTimeout
	}
	return nil, errors.New(fmt.Errorf("load model %s: %w", spec.Name(), err)).
		Component("kilonova").
		Category(category).
		Context("path", path).
		Build()
}

func loadOnce(spec ModelSpec, path string, open Opener) (*TimeSeries, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	grid, err := parseGrid(f)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parse model %s: %w", filepath.Base(path), err)).
			Component("kilonova").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}

	angle, err := grid.angleIndex(spec.CosTheta)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %v not in %v", err, spec.CosTheta, grid.cosTheta)).
			Component("kilonova").
			Category(errors.CategoryModelLoad).
			Context("cos_theta", spec.CosTheta).
			Build()
	}

	return &TimeSeries{
		Name:   spec.Name(),
		Phase:  grid.phase,
		Wave:   grid.wave,
		Values: grid.flux[angle],
	}, nil
}

// grid is a full POSSIS file: flux[angle][phase][wave].
type grid struct {
	cosTheta []float64
	phase    []float64
	wave     []float64
	flux     [][][]float64
}

// angleIndex finds the single grid angle close to cosTheta.
func (g *grid) angleIndex(cosTheta float64) (int, error) {
	match := -1
	for i, c := range g.cosTheta {
		if !isClose(cosTheta, c) {
			continue
		}
		if match >= 0 {
			return 0, ErrCosThetaUndefined
		}
		match = i
	}
	if match < 0 {
		return 0, ErrCosThetaUndefined
	}
	return match, nil
}

func isClose(a, b float64) bool {
	return math.Abs(a-b) <= 1e-8+1e-5*math.Abs(b)
}

// linspace returns n evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// parseGrid reads the three header lines (angle count, wavelength count,
// "ntime t_i t_f") and then one block of nwave rows per angle, each row a
// wavelength followed by its flux at every phase.
func parseGrid(r io.Reader) (*grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	next := func() ([]string, error) {
		for sc.Scan() {
			line++
			fields := strings.Fields(sc.Text())
			if len(fields) > 0 {
				return fields, nil
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}

	header := make([]int, 0, 3)
	var ti, tf float64
	for i := range 3 {
		fields, err := next()
		if err != nil {
			return nil, fmt.Errorf("header: %w", err)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("line %d: invalid count %q", line, fields[0])
		}
		header = append(header, n)
		if i == 2 {
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: want \"ntime t_i t_f\"", line)
			}
			if ti, err = strconv.ParseFloat(fields[1], 64); err != nil {
				return nil, fmt.Errorf("line %d: t_i: %w", line, err)
			}
			if tf, err = strconv.ParseFloat(fields[2], 64); err != nil {
				return nil, fmt.Errorf("line %d: t_f: %w", line, err)
			}
		}
	}
	nobs, nwave, ntime := header[0], header[1], header[2]

	g := &grid{
		cosTheta: linspace(0, 1, nobs),
		phase:    linspace(ti, tf, ntime),
		wave:     make([]float64, nwave),
		flux:     make([][][]float64, nobs),
	}

	for obs := range nobs {
		values := make([][]float64, ntime)
		for t := range values {
			values[t] = make([]float64, nwave)
		}
		for w := range nwave {
			fields, err := next()
			if err != nil {
				return nil, fmt.Errorf("angle %d wave %d: %w", obs, w, err)
			}
			if len(fields) != ntime+1 {
				return nil, fmt.Errorf("line %d: %d columns, want %d", line, len(fields), ntime+1)
			}
			row := make([]float64, len(fields))
			for k, s := range fields {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d column %d: %w", line, k+1, err)
				}
				row[k] = v
			}
			if obs == 0 {
				g.wave[w] = row[0]
			}
			for t := range ntime {
				values[t][w] = row[t+1]
			}
		}
		g.flux[obs] = values
	}
	return g, nil
}
