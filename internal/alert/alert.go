// Package alert models transient alerts: an object's photometric detections
// and upper limits, with the latest detection first.
package alert

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
)

// Well-known detection field names.
const (
	FieldJD        = "jd"
	FieldCandID    = "candid"
	FieldRA        = "ra"
	FieldDec       = "dec"
	FieldIsDiffPos = "isdiffpos"
)

// Detection is one photometric point: a set of named fields as delivered by
// the alert stream. A field may be absent or present with a null value.
type Detection map[string]any

// Has reports whether field is present and non-null.
func (d Detection) Has(field string) bool {
	v, ok := d[field]
	return ok && v != nil
}

// IsNull reports whether field is present with a null value.
func (d Detection) IsNull(field string) bool {
	v, ok := d[field]
	return ok && v == nil
}

// Float returns the numeric value of field. Strings holding numbers are
// accepted; booleans and other types are not.
func (d Detection) Float(field string) (float64, bool) {
	v, ok := d[field]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// String returns the value of field as a string. Numbers are formatted.
func (d Detection) String(field string) (string, bool) {
	v, ok := d[field]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	default:
		return "", false
	}
}

// JD returns the Julian date of the detection, NaN when absent.
func (d Detection) JD() float64 {
	if jd, ok := d.Float(FieldJD); ok {
		return jd
	}
	return math.NaN()
}

// CandID returns the candidate ID. Upper limits have none.
func (d Detection) CandID() (int64, bool) {
	v, ok := d[FieldCandID]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), n == math.Trunc(n)
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Alert is one alert packet for an object. Detections are ordered by
// Julian date, most recent first. Upper limits never count as detections.
type Alert struct {
	ID          int64       `json:"candid"`
	ObjectID    string      `json:"objectId"`
	Detections  []Detection `json:"detections"`
	UpperLimits []Detection `json:"upper_limits,omitempty"`
}

// New builds an alert and orders its detections most recent first.
func New(objectID string, id int64, detections, upperLimits []Detection) *Alert {
	a := &Alert{
		ID:          id,
		ObjectID:    objectID,
		Detections:  slices.Clone(detections),
		UpperLimits: slices.Clone(upperLimits),
	}
	sortByJDDesc(a.Detections)
	sortByJDDesc(a.UpperLimits)
	return a
}

// Latest returns the most recent detection.
func (a *Alert) Latest() (Detection, bool) {
	if a == nil || len(a.Detections) == 0 {
		return nil, false
	}
	return a.Detections[0], true
}

// NDet returns the number of detections, upper limits excluded.
func (a *Alert) NDet() int {
	if a == nil {
		return 0
	}
	return len(a.Detections)
}

// TimeSpan returns max(jd) - min(jd) over detections with a Julian date.
// It is 0 for a single detection and NaN when no detection carries a jd.
func (a *Alert) TimeSpan() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range a.Detections {
		jd, ok := d.Float(FieldJD)
		if !ok || math.IsNaN(jd) {
			continue
		}
		lo = math.Min(lo, jd)
		hi = math.Max(hi, jd)
	}
	if math.IsInf(lo, 1) {
		return math.NaN()
	}
	return hi - lo
}

// sortByJDDesc orders detections by Julian date, latest first. Points
// without jd sink to the end in their original order.
func sortByJDDesc(ds []Detection) {
	slices.SortStableFunc(ds, func(a, b Detection) int {
		ja, jb := a.JD(), b.JD()
		switch {
		case math.IsNaN(ja) && math.IsNaN(jb):
			return 0
		case math.IsNaN(ja):
			return 1
		case math.IsNaN(jb):
			return -1
		case ja > jb:
			return -1
		case ja < jb:
			return 1
		default:
			return 0
		}
	})
}
