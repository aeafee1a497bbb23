package filter

import (
	"context"
	"math"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/catalog"
	"github.com/ampelproject/decentfilter/internal/skycoord"
)

// Fields the latest detection must carry, all non-null. drb is checked only
// when its gate is enabled.
var requiredFields = []string{
	"fwhm", "elong", "magdiff", "nbad",
	"distpsnr1", "sgscore1", "distpsnr2", "sgscore2", "distpsnr3", "sgscore3",
	alert.FieldIsDiffPos, alert.FieldRA, alert.FieldDec, "rb", "ssdistnr",
}

// Input is what every gate sees: the alert, its latest detection, the
// thresholds and the catalog capability.
type Input struct {
	Alert   *alert.Alert
	Latest  alert.Detection
	Config  *Config
	Catalog catalog.Service
}

// GateFunc checks one condition. It returns a rejection when the alert
// fails, nil when it passes, and an error only when the check itself could
// not be carried out.
type GateFunc func(ctx context.Context, in *Input) (*Rejection, error)

// Gate is a named GateFunc.
type Gate struct {
	Name  string
	Check GateFunc
}

// DefaultGates returns the decision chain in evaluation order.
func DefaultGates() []Gate {
	return []Gate{
		{"ndet", CheckDetectionCount},
		{"tspan", CheckHistorySpan},
		{"completeness", CheckCompleteness},
		{"isdiffpos", CheckDiffSign},
		{"rb", CheckRealBogus},
		{"drb", CheckDeepRealBogus},
		{"image_quality", CheckImageQuality},
		{"sso", CheckSolarSystemObject},
		{"gal_plane", CheckGalacticLatitude},
		{"ps1_star", CheckPS1Star},
		{"ps1_confusion", CheckPS1Confusion},
		{"gaia_star", CheckGaiaStar},
	}
}

// number reads a numeric field of the latest detection. A missing, null or
// non-numeric value is an incomplete alert.
func number(in *Input, field string) (float64, *Rejection) {
	if !in.Latest.Has(field) {
		return 0, &Rejection{Reason: ReasonIncomplete, Field: field}
	}
	v, ok := in.Latest.Float(field)
	if !ok {
		return 0, &Rejection{Reason: ReasonIncomplete, Field: field, Value: in.Latest[field]}
	}
	return v, nil
}

// CheckDetectionCount rejects alerts with fewer than min_ndet detections.
func CheckDetectionCount(_ context.Context, in *Input) (*Rejection, error) {
	if n := in.Alert.NDet(); n < in.Config.MinNdet {
		return reject(ReasonNDet, n), nil
	}
	return nil, nil
}

// CheckHistorySpan requires min_tspan < span < max_tspan, the span taken
// over detection Julian dates only. An undefined span fails.
func CheckHistorySpan(_ context.Context, in *Input) (*Rejection, error) {
	span := in.Alert.TimeSpan()
	if !(in.Config.MinTspan < span && span < in.Config.MaxTspan) {
		return reject(ReasonTSpan, span), nil
	}
	return nil, nil
}

// CheckCompleteness requires every field in requiredFields on the latest
// detection. Fields other than isdiffpos must be numeric.
func CheckCompleteness(_ context.Context, in *Input) (*Rejection, error) {
	if in.Latest == nil {
		return &Rejection{Reason: ReasonIncomplete, Field: "detections"}, nil
	}
	for _, field := range requiredFields {
		if !in.Latest.Has(field) {
			return &Rejection{Reason: ReasonIncomplete, Field: field}, nil
		}
		if field == alert.FieldIsDiffPos {
			continue
		}
		if _, rej := number(in, field); rej != nil {
			return rej, nil
		}
	}
	return nil, nil
}

// CheckDiffSign rejects negative subtractions. The stream marks them "f" or
// "0"; boolean false and numeric zero are accepted as the same marker.
func CheckDiffSign(_ context.Context, in *Input) (*Rejection, error) {
	v, ok := in.Latest[alert.FieldIsDiffPos]
	if !ok || v == nil {
		return &Rejection{Reason: ReasonIncomplete, Field: alert.FieldIsDiffPos}, nil
	}
	if isNegativeMarker(v) {
		return reject(ReasonIsDiffPos, v), nil
	}
	return nil, nil
}

func isNegativeMarker(v any) bool {
	switch s := v.(type) {
	case string:
		return s == "f" || s == "0"
	case bool:
		return !s
	}
	f, ok := alert.Detection{"v": v}.Float("v")
	return ok && f == 0
}

// CheckRealBogus rejects rb < min_rb.
func CheckRealBogus(_ context.Context, in *Input) (*Rejection, error) {
	rb, rej := number(in, "rb")
	if rej != nil {
		return rej, nil
	}
	if rb < in.Config.MinRB {
		return reject(ReasonRB, rb), nil
	}
	return nil, nil
}

// CheckDeepRealBogus rejects drb < min_drb. It never rejects while min_drb
// is not positive, whatever drb holds.
func CheckDeepRealBogus(_ context.Context, in *Input) (*Rejection, error) {
	if !in.Config.drbEnabled() {
		return nil, nil
	}
	drb, rej := number(in, "drb")
	if rej != nil {
		return rej, nil
	}
	if drb < in.Config.MinDRB {
		return reject(ReasonDRB, drb), nil
	}
	return nil, nil
}

// CheckImageQuality rejects fwhm > max_fwhm, elong > max_elong and
// |magdiff| > max_magdiff, in that order.
func CheckImageQuality(_ context.Context, in *Input) (*Rejection, error) {
	fwhm, rej := number(in, "fwhm")
	if rej != nil {
		return rej, nil
	}
	if fwhm > in.Config.MaxFWHM {
		return reject(ReasonFWHM, fwhm), nil
	}

	elong, rej := number(in, "elong")
	if rej != nil {
		return rej, nil
	}
	if elong > in.Config.MaxElong {
		return reject(ReasonElong, elong), nil
	}

	magdiff, rej := number(in, "magdiff")
	if rej != nil {
		return rej, nil
	}
	if math.Abs(magdiff) > in.Config.MaxMagDiff {
		return reject(ReasonMagDiff, magdiff), nil
	}
	return nil, nil
}

// CheckSolarSystemObject rejects 0 <= ssdistnr < min_dist_to_sso. Negative
// distances mean no known object nearby.
func CheckSolarSystemObject(_ context.Context, in *Input) (*Rejection, error) {
	dist, rej := number(in, "ssdistnr")
	if rej != nil {
		return rej, nil
	}
	if 0 <= dist && dist < in.Config.MinDistToSSO {
		return reject(ReasonSSODistance, dist), nil
	}
	return nil, nil
}

// CheckGalacticLatitude rejects |b| < min_gal_lat. A negative threshold can
// never be undercut, which disables the gate.
func CheckGalacticLatitude(_ context.Context, in *Input) (*Rejection, error) {
	ra, rej := number(in, alert.FieldRA)
	if rej != nil {
		return rej, nil
	}
	dec, rej := number(in, alert.FieldDec)
	if rej != nil {
		return rej, nil
	}
	if b := math.Abs(skycoord.GalacticLatitude(ra, dec)); b < in.Config.MinGalLat {
		return reject(ReasonGalPlane, b), nil
	}
	return nil, nil
}

// CheckPS1Star rejects a star-like PS1 source closer than ps1_sgveto_rad.
func CheckPS1Star(_ context.Context, in *Input) (*Rejection, error) {
	dist, rej := number(in, "distpsnr1")
	if rej != nil {
		return rej, nil
	}
	sg, rej := number(in, "sgscore1")
	if rej != nil {
		return rej, nil
	}
	if dist < in.Config.PS1SgVetoRad && sg > in.Config.PS1SgVetoTh {
		return reject(ReasonPS1Star, dist), nil
	}
	return nil, nil
}

// CheckPS1Confusion rejects alerts whose three nearest PS1 sources all lie
// within ps1_confusion_rad with star-galaxy scores within
// ps1_confusion_sg_tol of 0.5. The rejection value is the largest score
// deviation.
func CheckPS1Confusion(_ context.Context, in *Input) (*Rejection, error) {
	maxDist, maxDev := math.Inf(-1), math.Inf(-1)
	for _, n := range [...]string{"1", "2", "3"} {
		dist, rej := number(in, "distpsnr"+n)
		if rej != nil {
			return rej, nil
		}
		sg, rej := number(in, "sgscore"+n)
		if rej != nil {
			return rej, nil
		}
		maxDist = math.Max(maxDist, dist)
		maxDev = math.Max(maxDev, math.Abs(sg-0.5))
	}
	if maxDist < in.Config.PS1ConfusionRad && maxDev < in.Config.PS1ConfusionSgTol {
		return reject(ReasonPS1Confusion, maxDev), nil
	}
	return nil, nil
}
