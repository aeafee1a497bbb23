package mqtt

import (
	"time"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/filter"
)

// AcceptedAlertDTO is the payload published for an accepted alert.
//
// Field names are part of the consumer contract; add fields, never rename.
type AcceptedAlertDTO struct {
	ObjectID    string    `json:"objectId"`
	CandID      int64     `json:"candid"`
	NDet        int       `json:"ndet"`
	RA          *float64  `json:"ra,omitempty"`
	Dec         *float64  `json:"dec,omitempty"`
	JD          *float64  `json:"jd,omitempty"`
	Tags        []string  `json:"tags"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// NewAcceptedAlertDTO builds the payload for an accepted alert. Position
// and epoch come from the latest detection when present.
func NewAcceptedAlertDTO(a *alert.Alert, d filter.Decision, now time.Time) AcceptedAlertDTO {
	dto := AcceptedAlertDTO{
		ObjectID:    a.ObjectID,
		CandID:      a.ID,
		NDet:        a.NDet(),
		Tags:        d.Tags,
		EvaluatedAt: now.UTC(),
	}
	if dto.Tags == nil {
		dto.Tags = []string{}
	}
	if latest, ok := a.Latest(); ok {
		dto.RA = optional(latest, alert.FieldRA)
		dto.Dec = optional(latest, alert.FieldDec)
		dto.JD = optional(latest, alert.FieldJD)
	}
	return dto
}

func optional(d alert.Detection, field string) *float64 {
	v, ok := d.Float(field)
	if !ok {
		return nil
	}
	return &v
}
