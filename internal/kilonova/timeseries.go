package kilonova

import (
	"math"
	"sort"
)

// TimeSeries is a spectral time series: flux on a phase by wavelength grid.
// Phases are in days from explosion, wavelengths in Angstrom.
type TimeSeries struct {
	Name   string
	Phase  []float64
	Wave   []float64
	Values [][]float64 // Values[i][j] is the flux at Phase[i], Wave[j]
}

// MinPhase returns the first phase of the grid.
func (ts *TimeSeries) MinPhase() float64 { return ts.Phase[0] }

// MaxPhase returns the last phase of the grid.
func (ts *TimeSeries) MaxPhase() float64 { return ts.Phase[len(ts.Phase)-1] }

// MinWave returns the bluest wavelength of the grid.
func (ts *TimeSeries) MinWave() float64 { return ts.Wave[0] }

// MaxWave returns the reddest wavelength of the grid.
func (ts *TimeSeries) MaxWave() float64 { return ts.Wave[len(ts.Wave)-1] }

// Flux interpolates the grid bilinearly. Points outside the grid have zero
// flux.
func (ts *TimeSeries) Flux(phase, wave float64) float64 {
	i, fp, ok := bracket(ts.Phase, phase)
	if !ok {
		return 0
	}
	j, fw, ok := bracket(ts.Wave, wave)
	if !ok {
		return 0
	}

	at := func(a, b int) float64 {
		a = min(a, len(ts.Phase)-1)
		b = min(b, len(ts.Wave)-1)
		return ts.Values[a][b]
	}
	lo := at(i, j)*(1-fw) + at(i, j+1)*fw
	hi := at(i+1, j)*(1-fw) + at(i+1, j+1)*fw
	return lo*(1-fp) + hi*fp
}

// bracket finds i with grid[i] <= x <= grid[i+1] and the fractional
// position of x in that interval. grid must be ascending.
func bracket(grid []float64, x float64) (int, float64, bool) {
	n := len(grid)
	if n == 0 || math.IsNaN(x) || x < grid[0] || x > grid[n-1] {
		return 0, 0, false
	}
	if n == 1 {
		return 0, 0, true
	}
	i := sort.SearchFloat64s(grid, x)
	if i > 0 && (i == n || grid[i] > x) {
		i--
	}
	if i >= n-1 {
		return n - 1, 0, true
	}
	width := grid[i+1] - grid[i]
	if width == 0 {
		return i, 0, true
	}
	return i, (x - grid[i]) / width, true
}
