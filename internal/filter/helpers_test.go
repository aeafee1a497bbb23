package filter

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/logger"
	"github.com/ampelproject/decentfilter/internal/skycoord"
)

const (
	testRA  = 150.0
	testDec = 2.0
)

func testConfig() Config {
	return Config{
		MinNdet:               1,
		MinTspan:              -1,
		MaxTspan:              365,
		MinRB:                 0.3,
		MinDRB:                0,
		MaxFWHM:               5.5,
		MaxElong:              1.4,
		MaxMagDiff:            1,
		MaxNbad:               2,
		MinDistToSSO:          20,
		MinGalLat:             14,
		GaiaCatalog:           "GAIADR2",
		GaiaRS:                20,
		GaiaPMSignif:          3,
		GaiaPlxSignif:         3,
		GaiaVetoGmagMin:       9,
		GaiaVetoGmagMax:       20,
		GaiaExcessNoiseSigMax: 999,
		PS1SgVetoRad:          1,
		PS1SgVetoTh:           0.8,
		PS1ConfusionRad:       3,
		PS1ConfusionSgTol:     0.1,
		T2Compute:             []string{"T2RunPossis", "T2PropagateStockInfo"},
	}
}

// goodDetection passes every gate of testConfig at Galactic latitude ~42.
func goodDetection(jd float64) alert.Detection {
	return alert.Detection{
		"jd":        jd,
		"candid":    int64(1000 + int64(jd)%1000),
		"ra":        testRA,
		"dec":       testDec,
		"isdiffpos": "t",
		"rb":        0.7,
		"drb":       0.99,
		"fwhm":      2.5,
		"elong":     1.1,
		"magdiff":   0.05,
		"nbad":      0,
		"ssdistnr":  -999.0,
		"distpsnr1": 5.0,
		"sgscore1":  0.2,
		"distpsnr2": 8.0,
		"sgscore2":  0.3,
		"distpsnr3": 12.0,
		"sgscore3":  0.1,
	}
}

// goodAlert has two good detections 1.5 days apart.
func goodAlert() *alert.Alert {
	return alert.New("ZTF21test", 1, []alert.Detection{goodDetection(2459300.5), goodDetection(2459299.0)}, nil)
}

// withLatest returns goodAlert with fields of the latest detection replaced.
// A nil value stores an explicit null; use deleteField to drop a field.
func withLatest(fields map[string]any) *alert.Alert {
	a := goodAlert()
	for k, v := range fields {
		a.Detections[0][k] = v
	}
	return a
}

func deleteField(field string) *alert.Alert {
	a := goodAlert()
	delete(a.Detections[0], field)
	return a
}

func newInput(a *alert.Alert, cfg Config, svc catalog.Service) *Input {
	latest, _ := a.Latest()
	return &Input{Alert: a, Latest: latest, Config: &cfg, Catalog: svc}
}

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// gaiaColumns is the column order used by the fixtures.
var gaiaColumns = []string{"RA", "Dec", "Mag_G", "PMRA", "ErrPMRA", "PMDec", "ErrPMDec", "Plx", "ErrPlx", "ExcessNoiseSig"}

// gaiaRow places a source offsetArcsec north of the test position.
func gaiaRow(offsetArcsec, magG, pmra, errPMRA, pmdec, errPMDec, plx, errPlx, noise float64) []float64 {
	return []float64{
		skycoord.DegToRad(testRA),
		skycoord.DegToRad(testDec + offsetArcsec/3600),
		magG, pmra, errPMRA, pmdec, errPMDec, plx, errPlx, noise,
	}
}

func gaiaService(t *testing.T, rows ...[]float64) *catalog.StaticService {
	t.Helper()
	svc, err := catalog.NewStaticService(map[string]*catalog.ResultSet{
		"GAIADR2": {Columns: gaiaColumns, Rows: rows},
	})
	require.NoError(t, err)
	return svc
}

func emptyCatalog(t *testing.T) *catalog.StaticService {
	t.Helper()
	return gaiaService(t)
}

func newEngine(t *testing.T, cfg Config, svc catalog.Service, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, testLogger(), svc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// failingCatalog fails every cone search.
type failingCatalog struct {
	err    error
	closed bool
}

func (f *failingCatalog) ConeSearch(context.Context, string, float64, float64, float64) (*catalog.ResultSet, error) {
	return nil, f.err
}

func (f *failingCatalog) Close() error {
	f.closed = true
	return nil
}

func catalogDown() *failingCatalog {
	return &failingCatalog{err: errors.Newf("catsHTM unreachable").
		Component("catalog").
		Category(errors.CategoryCatalog).
		Build()}
}
