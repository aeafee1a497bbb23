package filter

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/skycoord"
)

// GAIA DR2 column names read from cone search results.
const (
	colRA             = "RA"
	colDec            = "Dec"
	colMagG           = "Mag_G"
	colPMRA           = "PMRA"
	colErrPMRA        = "ErrPMRA"
	colPMDec          = "PMDec"
	colErrPMDec       = "ErrPMDec"
	colPlx            = "Plx"
	colErrPlx         = "ErrPlx"
	colExcessNoiseSig = "ExcessNoiseSig"
)

// GaiaSource is one GAIA source around an alert. Positions are in radians.
type GaiaSource struct {
	RA, Dec          float64
	MagG             float64
	PMRA, ErrPMRA    float64
	PMDec, ErrPMDec  float64
	Plx, ErrPlx      float64
	ExcessNoiseSig   float64
	SeparationArcsec float64 // distance to the alert
}

// GaiaMatch describes the source that vetoed an alert.
type GaiaMatch struct {
	SeparationArcsec float64 `json:"separation_arcsec"`
	MagG             float64 `json:"mag_g"`
	PMRASignif       float64 `json:"pmra_signif"`
	PMDecSignif      float64 `json:"pmdec_signif"`
	PlxSignif        float64 `json:"plx_signif"`
}

// ProximityRadius is the magnitude-dependent match radius in arcseconds:
// brighter sources veto over a larger area.
func ProximityRadius(magG float64) float64 {
	return 1.8 + 0.6*math.Exp((20-magG)/2.05)
}

// proximate reports whether the source is close enough for its magnitude
// and inside the magnitude window.
func (s *GaiaSource) proximate(cfg *Config) bool {
	return s.SeparationArcsec < ProximityRadius(s.MagG) &&
		cfg.GaiaVetoGmagMin <= s.MagG && s.MagG <= cfg.GaiaVetoGmagMax
}

// clean reports whether the astrometric solution can be trusted.
func (s *GaiaSource) clean(cfg *Config) bool {
	return s.ExcessNoiseSig < cfg.GaiaExcessNoiseSigMax
}

// moving reports significant proper motion or parallax. A zero error yields
// an infinite significance; NaN values never count.
func (s *GaiaSource) moving(cfg *Config) bool {
	return math.Abs(s.PMRA/s.ErrPMRA) > cfg.GaiaPMSignif ||
		math.Abs(s.PMDec/s.ErrPMDec) > cfg.GaiaPMSignif ||
		math.Abs(s.Plx/s.ErrPlx) > cfg.GaiaPlxSignif
}

// MarshalJSON writes non-finite significances, from zero errors, as strings.
func (m GaiaMatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"separation_arcsec": jsonFloat(m.SeparationArcsec),
		"mag_g":             jsonFloat(m.MagG),
		"pmra_signif":       jsonFloat(m.PMRASignif),
		"pmdec_signif":      jsonFloat(m.PMDecSignif),
		"plx_signif":        jsonFloat(m.PlxSignif),
	})
}

func jsonFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}

func (s *GaiaSource) match() GaiaMatch {
	return GaiaMatch{
		SeparationArcsec: s.SeparationArcsec,
		MagG:             s.MagG,
		PMRASignif:       math.Abs(s.PMRA / s.ErrPMRA),
		PMDecSignif:      math.Abs(s.PMDec / s.ErrPMDec),
		PlxSignif:        math.Abs(s.Plx / s.ErrPlx),
	}
}

// GaiaSources decodes a cone search result and measures each source's
// separation from (raRad, decRad). An empty result needs no columns.
func GaiaSources(rs *catalog.ResultSet, raRad, decRad float64) ([]GaiaSource, error) {
	if rs.Len() == 0 {
		return nil, nil
	}

	names := [...]string{colRA, colDec, colMagG, colPMRA, colErrPMRA, colPMDec, colErrPMDec, colPlx, colErrPlx, colExcessNoiseSig}
	var idx [len(names)]int
	for i, name := range names {
		j, err := rs.ColumnIndex(name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}

	sources := make([]GaiaSource, 0, rs.Len())
	for _, row := range rs.Rows {
		s := GaiaSource{
			RA:             row[idx[0]],
			Dec:            row[idx[1]],
			MagG:           row[idx[2]],
			PMRA:           row[idx[3]],
			ErrPMRA:        row[idx[4]],
			PMDec:          row[idx[5]],
			ErrPMDec:       row[idx[6]],
			Plx:            row[idx[7]],
			ErrPlx:         row[idx[8]],
			ExcessNoiseSig: row[idx[9]],
		}
		s.SeparationArcsec = skycoord.SeparationArcsec(raRad, decRad, s.RA, s.Dec)
		sources = append(sources, s)
	}
	return sources, nil
}

// FindGaiaStar returns the first proximate, clean source with significant
// proper motion or parallax.
func FindGaiaStar(sources []GaiaSource, cfg *Config) (GaiaSource, bool) {
	for i := range sources {
		s := &sources[i]
		if s.proximate(cfg) && s.clean(cfg) && s.moving(cfg) {
			return *s, true
		}
	}
	return GaiaSource{}, false
}

// CheckGaiaStar cone searches the GAIA catalog around the latest detection
// and rejects the alert when a foreground star sits on it. Catalog failures
// are returned as errors, never as a pass.
func CheckGaiaStar(ctx context.Context, in *Input) (*Rejection, error) {
	ra, rej := number(in, alert.FieldRA)
	if rej != nil {
		return rej, nil
	}
	dec, rej := number(in, alert.FieldDec)
	if rej != nil {
		return rej, nil
	}
	if in.Catalog == nil {
		return nil, errors.Newf("no catalog service configured").
			Component("filter").
			Category(errors.CategoryConfiguration).
			Build()
	}

	raRad, decRad := skycoord.DegToRad(ra), skycoord.DegToRad(dec)
	rs, err := in.Catalog.ConeSearch(ctx, in.Config.GaiaCatalog, raRad, decRad, in.Config.GaiaRS)
	if err != nil {
		if catalog.IsServiceError(err) {
			return nil, err
		}
		return nil, errors.New(err).
			Component("filter").
			Category(errors.CategoryCatalog).
			CatalogContext(in.Config.GaiaCatalog, ra, dec, in.Config.GaiaRS).
			Build()
	}

	sources, err := GaiaSources(rs, raRad, decRad)
	if err != nil {
		return nil, err
	}
	if star, found := FindGaiaStar(sources, in.Config); found {
		return reject(ReasonGaiaStar, star.match()), nil
	}
	return nil, nil
}
