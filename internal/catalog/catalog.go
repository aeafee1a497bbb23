// Package catalog queries astronomical source catalogs by position.
//
// A Service answers cone searches: every catalog source within a radius of a
// sky position. Results come back as a ResultSet of named columns so callers
// can pick the columns they need without the service knowing the schema of
// each catalog.
package catalog

import (
	"context"
	"encoding/json"
	"math"
	"slices"

	"github.com/ampelproject/decentfilter/internal/errors"
)

// ErrUnknownColumn is returned when a result set lacks a requested column.
var ErrUnknownColumn = errors.NewStd("unknown catalog column")

// Service performs cone searches against a named catalog.
//
// Positions are in radians, the radius in arcseconds. An empty result is an
// empty ResultSet, not an error. Implementations must be safe for concurrent
// use and report failures as errors of category CategoryCatalog.
type Service interface {
	ConeSearch(ctx context.Context, catalog string, raRad, decRad, radiusArcsec float64) (*ResultSet, error)
}

// ResultSet is the tabular answer of a cone search. Each row holds one value
// per column, in column order. Null values decode as NaN.
type ResultSet struct {
	Columns []string    `json:"columns"`
	Units   []string    `json:"units,omitempty"`
	Rows    [][]float64 `json:"rows"`
}

// Len returns the number of sources.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// ColumnIndex returns the position of name in the column list.
func (rs *ResultSet) ColumnIndex(name string) (int, error) {
	if rs != nil {
		if i := slices.Index(rs.Columns, name); i >= 0 {
			return i, nil
		}
	}
	return -1, errors.Newf("column %q: %w", name, ErrUnknownColumn).
		Component("catalog").
		Category(errors.CategoryCatalog).
		Context("column", name).
		Build()
}

// Column returns all values of the named column.
func (rs *ResultSet) Column(name string) ([]float64, error) {
	idx, err := rs.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rs.Rows))
	for i, row := range rs.Rows {
		out[i] = valueAt(row, idx)
	}
	return out, nil
}

// Records returns one map per source, keyed by column name.
func (rs *ResultSet) Records() []map[string]float64 {
	if rs == nil {
		return nil
	}
	out := make([]map[string]float64, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		rec := make(map[string]float64, len(rs.Columns))
		for i, col := range rs.Columns {
			rec[col] = valueAt(row, i)
		}
		out = append(out, rec)
	}
	return out
}

// validate checks that every row is as wide as the column list.
func (rs *ResultSet) validate() error {
	for i, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			return errors.Newf("catalog row %d has %d values for %d columns", i, len(row), len(rs.Columns)).
				Component("catalog").
				Category(errors.CategoryCatalog).
				Build()
		}
	}
	return nil
}

func valueAt(row []float64, idx int) float64 {
	if idx >= len(row) {
		return math.NaN()
	}
	return row[idx]
}

// IsServiceError reports whether err is a catalog service failure.
func IsServiceError(err error) bool {
	return errors.IsCategory(err, errors.CategoryCatalog)
}

// nullableRows decodes rows whose cells may be JSON null.
type nullableRows [][]*float64

func (n nullableRows) toFloat() [][]float64 {
	out := make([][]float64, len(n))
	for i, row := range n {
		vals := make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				vals[j] = math.NaN()
			} else {
				vals[j] = *v
			}
		}
		out[i] = vals
	}
	return out
}

// wireResultSet is the JSON shape of a ResultSet on the wire and in fixtures.
type wireResultSet struct {
	Columns []string     `json:"columns"`
	Units   []string     `json:"units,omitempty"`
	Rows    nullableRows `json:"rows"`
}

func (w *wireResultSet) toResultSet() (*ResultSet, error) {
	rs := &ResultSet{
		Columns: w.Columns,
		Units:   w.Units,
		Rows:    w.Rows.toFloat(),
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// MarshalJSON writes NaN cells as null.
func (rs *ResultSet) MarshalJSON() ([]byte, error) {
	w := wireResultSet{Columns: rs.Columns, Units: rs.Units, Rows: make(nullableRows, len(rs.Rows))}
	for i, row := range rs.Rows {
		cells := make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) && !math.IsInf(row[j], 0) {
				cells[j] = &row[j]
			}
		}
		w.Rows[i] = cells
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads null cells as NaN.
func (rs *ResultSet) UnmarshalJSON(data []byte) error {
	var w wireResultSet
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := w.toResultSet()
	if err != nil {
		return err
	}
	*rs = *out
	return nil
}
