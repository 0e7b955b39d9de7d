// Package cdc decides whether a re-delivered document was meaningfully
// revised upstream.
package cdc

import (
	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/models"
	"github.com/PratikDhanave/feed-cdc-service/internal/value"
)

// VolatileFields are body subfields that churn without the document being
// revised: the popularity counter, the redaction scoring and the ingestion
// provenance block.
var VolatileFields = []value.Path{
	{"nuts"},
	{"metadata", "scales"},
	canonical.ProvenancePath,
}

// Detector compares bodies modulo a fixed mask.
type Detector struct {
	mask []value.Path
}

// NewDetector returns a Detector for mask. A nil mask means VolatileFields.
func NewDetector(mask []value.Path) *Detector {
	if mask == nil {
		mask = VolatileFields
	}
	return &Detector{mask: mask}
}

// Mask removes the volatile fields from body.
func (d *Detector) Mask(body value.Value) value.Value {
	return body.WithoutAll(d.mask)
}

// IsMeaningfulChange reports whether candidate should be treated as a new
// revision of previous. A nil previous is a new document and always counts.
func (d *Detector) IsMeaningfulChange(previous *models.Document, candidate models.Document) bool {
	if previous == nil {
		return true
	}
	prev := d.Mask(previous.Body)
	cand := d.Mask(candidate.Body)
	return !(value.Contains(cand, prev) && value.Contains(prev, cand))
}
