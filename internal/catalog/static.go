package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/skycoord"
)

// Position column names used by StaticService to select sources.
const (
	ColumnRA  = "RA"
	ColumnDec = "Dec"
)

// StaticService answers cone searches from in-memory tables, one per
// catalog. Source positions are read from the RA and Dec columns (radians).
// A catalog without a table answers with an empty result.
type StaticService struct {
	tables map[string]*ResultSet
	calls  atomic.Int64
}

// NewStaticService creates a service over the given tables.
func NewStaticService(tables map[string]*ResultSet) (*StaticService, error) {
	for name, rs := range tables {
		if rs == nil {
			continue
		}
		if err := rs.validate(); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", name, err)
		}
		if _, err := rs.ColumnIndex(ColumnRA); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", name, err)
		}
		if _, err := rs.ColumnIndex(ColumnDec); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", name, err)
		}
	}
	return &StaticService{tables: tables}, nil
}

// LoadStaticService reads a JSON fixture mapping catalog names to result
// sets, for example {"GAIADR2": {"columns": [...], "rows": [[...]]}}.
func LoadStaticService(path string) (*StaticService, error) {
	data, err := os.ReadFile(path) //nolint:gosec // fixture path supplied by the operator
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("read catalog fixture: %w", err), path, 0)
	}

	var tables map[string]*ResultSet
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, errors.New(fmt.Errorf("decode catalog fixture: %w", err)).
			Component("catalog").
			Category(errors.CategoryFileParsing).
			FileContext(path, int64(len(data))).
			Build()
	}
	svc, err := NewStaticService(tables)
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryConfiguration).
			FileContext(path, int64(len(data))).
			Build()
	}
	return svc, nil
}

// ConeSearch implements Service.
func (s *StaticService) ConeSearch(ctx context.Context, catalog string, raRad, decRad, radiusArcsec float64) (*ResultSet, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryCatalog).
			CatalogContext(catalog, skycoord.RadToDeg(raRad), skycoord.RadToDeg(decRad), radiusArcsec).
			Build()
	}

	table := s.tables[catalog]
	if table == nil {
		return &ResultSet{}, nil
	}

	raIdx, _ := table.ColumnIndex(ColumnRA)
	decIdx, _ := table.ColumnIndex(ColumnDec)

	out := &ResultSet{Columns: table.Columns, Units: table.Units}
	for _, row := range table.Rows {
		if skycoord.SeparationArcsec(raRad, decRad, row[raIdx], row[decIdx]) <= radiusArcsec {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// Calls returns how many cone searches were answered.
func (s *StaticService) Calls() int64 {
	return s.calls.Load()
}
