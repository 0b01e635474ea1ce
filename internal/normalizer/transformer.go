package normalizer

import (
	"strings"

	"facilitysync/internal/models"
)

// Transformer tidies record content without changing identity.
type Transformer struct{}

// NewTransformer creates a new transformer instance.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform trims the identity fields and top-level string attributes and
// drops attributes whose key is blank. The input is not modified.
func (t *Transformer) Transform(rec models.FacilityRecord) models.FacilityRecord {
	out := rec.Clone()
	out.Name = strs.TrimWhitespace(out.Name)
	out.Address = strs.TrimWhitespace(out.Address)

	for k, v := range out.Attributes {
		if strings.TrimSpace(k) == "" {
			delete(out.Attributes, k)

			continue
		}

		if s, ok := v.(string); ok {
			out.Attributes[k] = strs.TrimWhitespace(s)
		}
	}

	return out
}
