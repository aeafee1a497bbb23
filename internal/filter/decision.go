package filter

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Reason identifies the gate that rejected an alert.
type Reason string

// Rejection reasons, one per gate.
const (
	ReasonNDet         Reason = "ndet"
	ReasonTSpan        Reason = "tspan"
	ReasonIncomplete   Reason = "incomplete"
	ReasonIsDiffPos    Reason = "isdiffpos"
	ReasonRB           Reason = "rb"
	ReasonDRB          Reason = "drb"
	ReasonFWHM         Reason = "fwhm"
	ReasonElong        Reason = "elong"
	ReasonMagDiff      Reason = "magdiff"
	ReasonSSODistance  Reason = "ssdistnr"
	ReasonGalPlane     Reason = "gal_plane"
	ReasonPS1Star      Reason = "ps1_star"
	ReasonPS1Confusion Reason = "ps1_confusion"
	ReasonGaiaStar     Reason = "gaia_star"
)

// Decision is the outcome of one evaluation: a rejection carrying the
// reason and the value that triggered it, or an acceptance carrying the
// downstream processing tags.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Reason   Reason   `json:"reason,omitempty"`
	Field    string   `json:"field,omitempty"` // offending field for incomplete alerts
	Value    any      `json:"value,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Rejected builds a rejection.
func Rejected(reason Reason, value any) Decision {
	return Decision{Reason: reason, Value: value}
}

// Accepted builds an acceptance with its own copy of tags.
func Accepted(tags []string) Decision {
	return Decision{Accepted: true, Tags: slices.Clone(tags)}
}

// String renders the decision for logs and the CLI.
func (d Decision) String() string {
	if d.Accepted {
		return "accepted [" + strings.Join(d.Tags, ",") + "]"
	}
	if d.Field != "" {
		return fmt.Sprintf("rejected %s (%s)", d.Reason, d.Field)
	}
	return fmt.Sprintf("rejected %s (%v)", d.Reason, d.Value)
}

// Rejection is what a failing gate returns.
type Rejection struct {
	Reason Reason
	Field  string
	Value  any
}

func (r *Rejection) decision() Decision {
	d := Rejected(r.Reason, r.Value)
	d.Field = r.Field
	return d
}

// reject builds a rejection. Non-finite floats are kept as strings so the
// decision stays JSON encodable.
func reject(reason Reason, value any) *Rejection {
	if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		value = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return &Rejection{Reason: reason, Value: value}
}
