package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/conf"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/mqtt"
)

func loadSettings(t *testing.T, replace map[string]string) *conf.Settings {
	t.Helper()
	yaml := conf.DefaultConfigYAML()
	for old, repl := range replace {
		require.Contains(t, yaml, old)
		yaml = strings.Replace(yaml, old, repl, 1)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	settings, err := conf.Load(path)
	require.NoError(t, err)
	return settings
}

func detection(jd float64) alert.Detection {
	return alert.Detection{
		"jd": jd, "candid": int64(jd), "ra": 150.0, "dec": 2.0, "isdiffpos": "t",
		"rb": 0.7, "drb": 0.99, "fwhm": 2.5, "elong": 1.1, "magdiff": 0.05, "nbad": 0, "ssdistnr": -999.0,
		"distpsnr1": 5.0, "sgscore1": 0.2, "distpsnr2": 8.0, "sgscore2": 0.3, "distpsnr3": 12.0, "sgscore3": 0.1,
	}
}

func TestNewWithInjectedCatalog(t *testing.T) {
	t.Parallel()

	settings := loadSettings(t, nil)
	svc, err := catalog.NewStaticService(nil)
	require.NoError(t, err)

	var console bytes.Buffer
	a, err := New(t.Context(), settings, WithCatalog(svc), WithConsole(&console))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.Same(t, svc, a.Catalog)
	assert.IsType(t, mqtt.NopPublisher{}, a.Publisher)
	require.NotNil(t, a.Metrics)
	require.NotNil(t, a.MPC)

	al := alert.New("ZTF21app", 1, []alert.Detection{detection(2459300.5), detection(2459299.0)}, nil)
	d, err := a.Engine.Evaluate(t.Context(), al)
	require.NoError(t, err)
	assert.True(t, d.Accepted, d.String())
	assert.Equal(t, []string{"T2RunPossis", "T2PropagateStockInfo"}, d.Tags)
}

func TestNewUsesFixtureCatalog(t *testing.T) {
	t.Parallel()

	fixture := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(fixture, []byte(`{"GAIADR2":{"columns":["RA","Dec"],"rows":[]}}`), 0o600))

	settings := loadSettings(t, map[string]string{`fixture: ""`: `fixture: ` + fixture})
	a, err := New(t.Context(), settings, WithConsole(&bytes.Buffer{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &catalog.StaticService{}, a.Catalog)
}

func TestNewUsesHTTPCatalog(t *testing.T) {
	t.Parallel()

	a, err := New(t.Context(), loadSettings(t, nil), WithConsole(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.IsType(t, &catalog.HTTPClient{}, a.Catalog)
	require.NoError(t, a.Close())
}

func TestNewFailsOnMissingFixture(t *testing.T) {
	t.Parallel()

	settings := loadSettings(t, map[string]string{`fixture: ""`: `fixture: /nonexistent/catalog.json`})
	var a *App
	var err error
	require.NotPanics(t, func() {
		a, err = New(t.Context(), settings, WithConsole(&bytes.Buffer{}))
	})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestNewFailsWhenBrokerUnreachable(t *testing.T) {
	t.Parallel()

	settings := loadSettings(t, nil)
	settings.MQTT.Broker = "tcp://127.0.0.1:1"
	settings.MQTT.ConnectTimeout = 200 * time.Millisecond

	svc, err := catalog.NewStaticService(nil)
	require.NoError(t, err)
	cat := &closingCatalog{Service: svc}
	var a *App
	require.NotPanics(t, func() {
		a, err = New(t.Context(), settings, WithCatalog(cat), WithConsole(&bytes.Buffer{}), WithForwarding(true))
	})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConn))
	assert.Equal(t, 1, cat.closed, "catalog opened before the failure must be released")
}

// closingCatalog counts Close calls on an injected catalog.
type closingCatalog struct {
	catalog.Service
	closed int
}

func (c *closingCatalog) Close() error {
	c.closed++
	return nil
}

func TestNewReleasesCatalogWhenMPCClientFails(t *testing.T) {
	t.Parallel()

	settings := loadSettings(t, nil)
	settings.MPC.URL = "mpcheck.cgi"

	svc, err := catalog.NewStaticService(nil)
	require.NoError(t, err)
	cat := &closingCatalog{Service: svc}

	var a *App
	require.NotPanics(t, func() {
		a, err = New(t.Context(), settings, WithCatalog(cat), WithConsole(&bytes.Buffer{}))
	})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Equal(t, 1, cat.closed)
}

func TestCloseNilApp(t *testing.T) {
	t.Parallel()

	var a *App
	assert.NoError(t, a.Close())
}
