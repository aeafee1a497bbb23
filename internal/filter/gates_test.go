package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/alert"
)

func TestDefaultGatesOrder(t *testing.T) {
	t.Parallel()

	var names []string
	for _, g := range DefaultGates() {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{
		"ndet", "tspan", "completeness", "isdiffpos", "rb", "drb", "image_quality",
		"sso", "gal_plane", "ps1_star", "ps1_confusion", "gaia_star",
	}, names)
}

func TestGatesPassGoodAlert(t *testing.T) {
	t.Parallel()

	in := newInput(goodAlert(), testConfig(), emptyCatalog(t))
	for _, g := range DefaultGates() {
		rej, err := g.Check(t.Context(), in)
		require.NoError(t, err, g.Name)
		assert.Nil(t, rej, g.Name)
	}
}

func TestCheckDetectionCount(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinNdet = 3

	rej, err := CheckDetectionCount(t.Context(), newInput(goodAlert(), cfg, nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNDet, rej.Reason)
	assert.Equal(t, 2, rej.Value)

	cfg.MinNdet = 2
	rej, err = CheckDetectionCount(t.Context(), newInput(goodAlert(), cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej, "n == min_ndet passes")
}

func TestCheckHistorySpan(t *testing.T) {
	t.Parallel()

	// goodAlert spans 1.5 days
	tests := []struct {
		name     string
		min, max float64
		rejected bool
	}{
		{"inside", 1, 2, false},
		{"equal to min", 1.5, 2, true},
		{"equal to max", 1, 1.5, true},
		{"below min", 2, 3, true},
		{"above max", 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.MinTspan, cfg.MaxTspan = tt.min, tt.max
			rej, err := CheckHistorySpan(t.Context(), newInput(goodAlert(), cfg, nil))
			require.NoError(t, err)
			if !tt.rejected {
				assert.Nil(t, rej)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, ReasonTSpan, rej.Reason)
			assert.InDelta(t, 1.5, rej.Value, 1e-9)
		})
	}
}

func TestCheckHistorySpanWithoutJD(t *testing.T) {
	t.Parallel()

	a := alert.New("ZTFnojd", 1, []alert.Detection{{"rb": 0.9}}, nil)
	rej, err := CheckHistorySpan(t.Context(), newInput(a, testConfig(), nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, "NaN", rej.Value)
}

func TestCheckCompleteness(t *testing.T) {
	t.Parallel()

	for _, field := range requiredFields {
		t.Run("missing "+field, func(t *testing.T) {
			t.Parallel()
			rej, err := CheckCompleteness(t.Context(), newInput(deleteField(field), testConfig(), nil))
			require.NoError(t, err)
			require.NotNil(t, rej)
			assert.Equal(t, ReasonIncomplete, rej.Reason)
			assert.Equal(t, field, rej.Field)
		})
		t.Run("null "+field, func(t *testing.T) {
			t.Parallel()
			rej, err := CheckCompleteness(t.Context(), newInput(withLatest(map[string]any{field: nil}), testConfig(), nil))
			require.NoError(t, err)
			require.NotNil(t, rej)
			assert.Equal(t, field, rej.Field)
		})
	}

	t.Run("drb is optional", func(t *testing.T) {
		t.Parallel()
		rej, err := CheckCompleteness(t.Context(), newInput(deleteField("drb"), testConfig(), nil))
		require.NoError(t, err)
		assert.Nil(t, rej)
	})

	t.Run("non numeric value", func(t *testing.T) {
		t.Parallel()
		rej, err := CheckCompleteness(t.Context(), newInput(withLatest(map[string]any{"fwhm": "wide"}), testConfig(), nil))
		require.NoError(t, err)
		require.NotNil(t, rej)
		assert.Equal(t, "fwhm", rej.Field)
		assert.Equal(t, "wide", rej.Value)
	})

	t.Run("no detections", func(t *testing.T) {
		t.Parallel()
		rej, err := CheckCompleteness(t.Context(), newInput(alert.New("ZTFempty", 1, nil, nil), testConfig(), nil))
		require.NoError(t, err)
		require.NotNil(t, rej)
		assert.Equal(t, ReasonIncomplete, rej.Reason)
	})
}

func TestCheckDiffSign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    any
		rejected bool
	}{
		{"t", false},
		{"1", false},
		{"f", true},
		{"0", true},
		{false, true},
		{true, false},
		{0, true},
		{1.0, false},
	}
	for _, tt := range tests {
		rej, err := CheckDiffSign(t.Context(), newInput(withLatest(map[string]any{"isdiffpos": tt.value}), testConfig(), nil))
		require.NoError(t, err)
		if tt.rejected {
			require.NotNil(t, rej, "%v", tt.value)
			assert.Equal(t, ReasonIsDiffPos, rej.Reason)
			assert.Equal(t, tt.value, rej.Value)
		} else {
			assert.Nil(t, rej, "%v", tt.value)
		}
	}
}

func TestCheckRealBogus(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	rej, err := CheckRealBogus(t.Context(), newInput(withLatest(map[string]any{"rb": 0.29}), cfg, nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonRB, rej.Reason)

	rej, err = CheckRealBogus(t.Context(), newInput(withLatest(map[string]any{"rb": 0.3}), cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej, "rb == min_rb passes")
}

func TestCheckDeepRealBogus(t *testing.T) {
	t.Parallel()

	disabled := testConfig()
	for _, a := range []*alert.Alert{deleteField("drb"), withLatest(map[string]any{"drb": 0.0}), withLatest(map[string]any{"drb": nil})} {
		rej, err := CheckDeepRealBogus(t.Context(), newInput(a, disabled, nil))
		require.NoError(t, err)
		assert.Nil(t, rej)
	}

	enabled := testConfig()
	enabled.MinDRB = 0.5

	rej, err := CheckDeepRealBogus(t.Context(), newInput(withLatest(map[string]any{"drb": 0.49}), enabled, nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonDRB, rej.Reason)

	rej, err = CheckDeepRealBogus(t.Context(), newInput(withLatest(map[string]any{"drb": 0.5}), enabled, nil))
	require.NoError(t, err)
	assert.Nil(t, rej)

	rej, err = CheckDeepRealBogus(t.Context(), newInput(deleteField("drb"), enabled, nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonIncomplete, rej.Reason)
	assert.Equal(t, "drb", rej.Field)
}

func TestCheckImageQuality(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields map[string]any
		reason Reason
	}{
		{"fwhm at max", map[string]any{"fwhm": 5.5}, ""},
		{"fwhm above max", map[string]any{"fwhm": 5.51}, ReasonFWHM},
		{"elong at max", map[string]any{"elong": 1.4}, ""},
		{"elong above max", map[string]any{"elong": 1.41}, ReasonElong},
		{"magdiff at max", map[string]any{"magdiff": -1.0}, ""},
		{"negative magdiff above max", map[string]any{"magdiff": -1.2}, ReasonMagDiff},
		{"positive magdiff above max", map[string]any{"magdiff": 1.2}, ReasonMagDiff},
		{"fwhm checked before elong", map[string]any{"fwhm": 9.0, "elong": 9.0}, ReasonFWHM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rej, err := CheckImageQuality(t.Context(), newInput(withLatest(tt.fields), testConfig(), nil))
			require.NoError(t, err)
			if tt.reason == "" {
				assert.Nil(t, rej)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}
}

func TestCheckSolarSystemObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dist     float64
		min      float64
		rejected bool
	}{
		{0, 20, true},
		{19.99, 20, true},
		{20, 20, false},
		{-1, 20, false},
		{-1, 1e9, false},
		{-999, 20, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		cfg := testConfig()
		cfg.MinDistToSSO = tt.min
		rej, err := CheckSolarSystemObject(t.Context(), newInput(withLatest(map[string]any{"ssdistnr": tt.dist}), cfg, nil))
		require.NoError(t, err)
		if tt.rejected {
			require.NotNil(t, rej, "dist %v min %v", tt.dist, tt.min)
			assert.Equal(t, ReasonSSODistance, rej.Reason)
		} else {
			assert.Nil(t, rej, "dist %v min %v", tt.dist, tt.min)
		}
	}
}

func TestCheckGalacticLatitude(t *testing.T) {
	t.Parallel()

	// Crab nebula, b = -5.78
	crab := withLatest(map[string]any{"ra": 83.63308, "dec": 22.01450})

	cfg := testConfig()
	rej, err := CheckGalacticLatitude(t.Context(), newInput(crab, cfg, nil))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonGalPlane, rej.Reason)
	assert.InDelta(t, 5.784, rej.Value, 5e-3)

	cfg.MinGalLat = 5
	rej, err = CheckGalacticLatitude(t.Context(), newInput(crab, cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej)

	// a negative threshold disables the gate, even on the plane
	cfg.MinGalLat = -1
	plane := withLatest(map[string]any{"ra": 266.40499, "dec": -28.93617})
	rej, err = CheckGalacticLatitude(t.Context(), newInput(plane, cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestCheckPS1Star(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dist, sg float64
		rejected bool
	}{
		{"close star", 0.5, 0.9, true},
		{"close galaxy", 0.5, 0.1, false},
		{"distant star", 1.5, 0.99, false},
		{"at radius", 1.0, 0.99, false},
		{"at threshold", 0.5, 0.8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := withLatest(map[string]any{"distpsnr1": tt.dist, "sgscore1": tt.sg})
			rej, err := CheckPS1Star(t.Context(), newInput(a, testConfig(), nil))
			require.NoError(t, err)
			if tt.rejected {
				require.NotNil(t, rej)
				assert.Equal(t, ReasonPS1Star, rej.Reason)
				assert.InDelta(t, tt.dist, rej.Value, 0)
			} else {
				assert.Nil(t, rej)
			}
		})
	}
}

func TestCheckPS1Confusion(t *testing.T) {
	t.Parallel()

	confused := func(sg1, sg2, sg3, d1, d2, d3 float64) *alert.Alert {
		return withLatest(map[string]any{
			"sgscore1": sg1, "sgscore2": sg2, "sgscore3": sg3,
			"distpsnr1": d1, "distpsnr2": d2, "distpsnr3": d3,
		})
	}

	for _, rad := range []float64{1e-6, 0.5, 3, 100} {
		for _, tol := range []float64{1e-6, 0.1, 0.5} {
			cfg := testConfig()
			cfg.PS1ConfusionRad, cfg.PS1ConfusionSgTol = rad, tol
			rej, err := CheckPS1Confusion(t.Context(), newInput(confused(0.5, 0.5, 0.5, 0, 0, 0), cfg, nil))
			require.NoError(t, err)
			require.NotNil(t, rej, "rad %v tol %v", rad, tol)
			assert.Equal(t, ReasonPS1Confusion, rej.Reason)
		}
	}

	cfg := testConfig()
	cfg.PS1ConfusionSgTol = 0.1
	rej, err := CheckPS1Confusion(t.Context(), newInput(confused(0.1, 0.9, 0.5, 0, 0, 0), cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej)

	// one source outside the radius
	rej, err = CheckPS1Confusion(t.Context(), newInput(confused(0.5, 0.5, 0.5, 0, 0, 3), cfg, nil))
	require.NoError(t, err)
	assert.Nil(t, rej)
}
