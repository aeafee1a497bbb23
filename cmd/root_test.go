package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/app"
	"github.com/ampelproject/decentfilter/internal/buildinfo"
	"github.com/ampelproject/decentfilter/internal/conf"
)

const gaiaFixture = `{"GAIADR2": {"columns": ["RA", "Dec", "Gmag", "PMRA", "PMRAerr", "PMDec", "PMDecerr", "Plx", "ErrPlx", "ExcessNoiseSig"], "rows": []}}`

// Three viewing angles, two wavelengths, three phases.
const possisGrid = `3
2
3 0 2
1000 1 2 3
2000 4 5 6
1000 10 20 30
2000 40 50 60
1000 100 200 300
2000 400 500 600
`

type fixture struct {
	dir     string
	config  string
	catalog string
}

func newFixture(t *testing.T, replacements ...string) fixture {
	t.Helper()

	dir := t.TempDir()
	yaml := conf.DefaultConfigYAML()
	yaml = strings.Replace(yaml, "model_dir: models/possis", "model_dir: "+filepath.Join(dir, "possis"), 1)
	for i := 0; i+1 < len(replacements); i += 2 {
		require.Contains(t, yaml, replacements[i])
		yaml = strings.Replace(yaml, replacements[i], replacements[i+1], 1)
	}

	f := fixture{
		dir:     dir,
		config:  filepath.Join(dir, "config.yaml"),
		catalog: filepath.Join(dir, "catalog.json"),
	}
	require.NoError(t, os.WriteFile(f.config, []byte(yaml), 0o600))
	require.NoError(t, os.WriteFile(f.catalog, []byte(gaiaFixture), 0o600))
	return f
}

func detectionJSON(jd, rb float64) string {
	d := map[string]any{
		"jd": jd, "candid": int64(jd), "ra": 150.0, "dec": 2.0, "isdiffpos": "t",
		"rb": rb, "drb": 0.99, "fwhm": 2.5, "elong": 1.1, "magdiff": 0.05, "nbad": 0, "ssdistnr": -999.0,
		"distpsnr1": 5.0, "sgscore1": 0.2, "distpsnr2": 8.0, "sgscore2": 0.3, "distpsnr3": 12.0, "sgscore3": 0.1,
	}
	b, _ := json.Marshal(d)
	return string(b)
}

func alertJSON(objectID string, candid int64, rb float64) string {
	return `{"objectId":"` + objectID + `","candid":` + jsonInt(candid) +
		`,"detections":[` + detectionJSON(2459300.5, rb) + `,` + detectionJSON(2459299.0, rb) + `]}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func execute(t *testing.T, ctx context.Context, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	root := RootCommand(&app.Context{Build: buildinfo.NewContext("1.2.3", "2026-10-01")})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

type outputLine struct {
	ObjectID string `json:"objectId"`
	CandID   int64  `json:"candid"`
	Decision *struct {
		Accepted bool     `json:"accepted"`
		Reason   string   `json:"reason"`
		Tags     []string `json:"tags"`
	} `json:"decision"`
	Forwarded bool   `json:"forwarded"`
	Error     string `json:"error"`
}

func decodeLines(t *testing.T, out string) []outputLine {
	t.Helper()
	var lines []outputLine
	for _, raw := range strings.Split(strings.TrimSpace(out), "\n") {
		var l outputLine
		require.NoError(t, json.Unmarshal([]byte(raw), &l), raw)
		lines = append(lines, l)
	}
	return lines
}

func TestFilterCommandPrintsDecisionsInInputOrder(t *testing.T) {
	f := newFixture(t)

	var alerts []string
	for i := range 20 {
		rb := 0.9
		if i%3 == 0 {
			rb = 0.1
		}
		alerts = append(alerts, alertJSON("ZTF21obj"+jsonInt(int64(i)), int64(i+1), rb))
	}
	path := filepath.Join(f.dir, "alerts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(alerts, "\n")), 0o600))

	stdout, stderr, err := execute(t, t.Context(), "--config", f.config,
		"filter", "--workers", "4", "--catalog-fixture", f.catalog, path)
	require.NoError(t, err, stderr)

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 20)
	for i, l := range lines {
		assert.Equal(t, int64(i+1), l.CandID)
		require.NotNil(t, l.Decision)
		assert.Empty(t, l.Error)
		assert.False(t, l.Forwarded)
		if i%3 == 0 {
			assert.False(t, l.Decision.Accepted, "alert %d", i)
			assert.NotEmpty(t, l.Decision.Reason)
		} else {
			assert.True(t, l.Decision.Accepted, "alert %d", i)
			assert.Equal(t, []string{"T2RunPossis", "T2PropagateStockInfo"}, l.Decision.Tags)
		}
	}
	assert.Contains(t, stderr, "filter run complete")
}

func TestFilterCommandReadsDirectories(t *testing.T) {
	f := newFixture(t)

	alerts := filepath.Join(f.dir, "alerts")
	require.NoError(t, os.MkdirAll(alerts, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(alerts, "a.json"), []byte(alertJSON("ZTFa", 1, 0.9)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(alerts, "b.json"), []byte(alertJSON("ZTFb", 2, 0.9)), 0o600))

	stdout, stderr, err := execute(t, t.Context(), "--config", f.config,
		"filter", "--catalog-fixture", f.catalog, alerts)
	require.NoError(t, err, stderr)

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 2)
	assert.Equal(t, "ZTFa", lines[0].ObjectID)
	assert.Equal(t, "ZTFb", lines[1].ObjectID)
}

func TestFilterCommandErrors(t *testing.T) {
	f := newFixture(t)

	_, _, err := execute(t, t.Context(), "--config", f.config, "filter")
	require.Error(t, err, "at least one path is required")

	_, _, err = execute(t, t.Context(), "--config", f.config,
		"filter", "--catalog-fixture", f.catalog, filepath.Join(f.dir, "missing.json"))
	require.Error(t, err)

	path := filepath.Join(f.dir, "one.json")
	require.NoError(t, os.WriteFile(path, []byte(alertJSON("ZTFone", 1, 0.9)), 0o600))
	_, _, err = execute(t, t.Context(), "--config", f.config,
		"filter", "--workers", "0", "--catalog-fixture", f.catalog, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--workers")
}

func TestFilterCommandReportsCatalogFailures(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(f.dir, "one.json")
	require.NoError(t, os.WriteFile(path, []byte(alertJSON("ZTFone", 7, 0.9)), 0o600))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	stdout, _, err := execute(t, ctx, "--config", f.config,
		"filter", "--catalog-fixture", f.catalog, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 alerts")

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(7), lines[0].CandID)
	assert.Nil(t, lines[0].Decision)
	assert.NotEmpty(t, lines[0].Error)
}

func TestConfigCommandPrintsEffectiveSettings(t *testing.T) {
	f := newFixture(t, "min_rb: 0.3", "min_rb: 0.45")

	stdout, _, err := execute(t, t.Context(), "--config", f.config, "config")
	require.NoError(t, err)
	assert.Contains(t, stdout, "min_rb: 0.45")
	assert.Contains(t, stdout, "# loaded from "+f.config)
}

func TestDebugFlagOverridesSettings(t *testing.T) {
	f := newFixture(t)

	stdout, _, err := execute(t, t.Context(), "--config", f.config, "--debug", "config")
	require.NoError(t, err)
	assert.Contains(t, stdout, "debug: true")
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	f := newFixture(t, "min_tspan: -1", "min_tspan: 500")

	_, _, err := execute(t, t.Context(), "--config", f.config, "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading configuration")
}

func TestPossisCommandDescribesModel(t *testing.T) {
	f := newFixture(t)

	gridPath := filepath.Join(f.dir, "possis", "2021", "nph1.0e+06_mejdyn0.010_mejwind0.090_phi45.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(gridPath), 0o750))
	require.NoError(t, os.WriteFile(gridPath, []byte(possisGrid), 0o600))

	stdout, stderr, err := execute(t, t.Context(), "--config", f.config, "possis")
	require.NoError(t, err, stderr)

	assert.Contains(t, stdout, "name:        2021_0.01_0.09_45_0.0\n")
	assert.Contains(t, stdout, "grid:        3 phases x 2 wavelengths\n")
	assert.Contains(t, stdout, "phase:       0 .. 2 days\n")
	assert.Contains(t, stdout, "wavelength:  1000 .. 2000 AA\n")
	assert.Contains(t, stdout, "fit:         ")
	assert.Contains(t, stdout, "t0")
}

func TestPossisCommandMissingModel(t *testing.T) {
	f := newFixture(t, "max_load_wait: 5m", "max_load_wait: 1s")

	_, _, err := execute(t, t.Context(), "--config", f.config, "possis")
	require.Error(t, err)
}

func TestMPCCommandPrintsMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.FormValue("decl") != "12 34 56.0" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("<html><body><pre>\nObject designation\nunits\n\n" +
			"(4179) Toutatis          01 23 45.6 +12 34 56  18.9   1.2E   0.3N\n</pre></body></html>"))
	}))
	defer srv.Close()

	f := newFixture(t, "url: https://cgi.minorplanetcenter.net/cgi-bin/mpcheck.cgi", "url: "+srv.URL)

	stdout, stderr, err := execute(t, t.Context(), "--config", f.config, "mpc",
		"--ra", "20.94", "--dec", "12.58222", "--jd", "2459000.75")
	require.NoError(t, err, stderr)

	var res struct {
		Code string    `json:"code"`
		NDet int       `json:"ndet"`
		Mags []float64 `json:"mags"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res), stdout)
	assert.Equal(t, "OK", res.Code)
	assert.Equal(t, 1, res.NDet)
	assert.Equal(t, []float64{18.9}, res.Mags)
}

func TestMPCCommandRequiresPosition(t *testing.T) {
	f := newFixture(t)

	_, _, err := execute(t, t.Context(), "--config", f.config, "mpc", "--ra", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestServeCommandRunsUntilCancelled(t *testing.T) {
	f := newFixture(t, "listen: 127.0.0.1:8080", "listen: 127.0.0.1:0")

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	_, stderr, err := execute(t, ctx, "--config", f.config, "serve")
	require.NoError(t, err)
	assert.Contains(t, stderr, "HTTP server starting")
}

func TestServeCommandRequiresEnabledWebServer(t *testing.T) {
	f := newFixture(t, "webserver:\n  enabled: true", "webserver:\n  enabled: false")

	_, _, err := execute(t, t.Context(), "--config", f.config, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
