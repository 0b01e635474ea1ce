package normalizer

import (
	"facilitysync/internal/models"
	"facilitysync/pkg/utils"
)

var strs = utils.NewStringHelper()

// NormalizePart trims, lowercases and collapses whitespace.
func NormalizePart(s string) string {
	return strs.Normalize(s)
}

// Key returns the identity key of a facility: normalized name and address.
func Key(name, address string) string {
	return NormalizePart(name) + "|" + NormalizePart(address)
}

// RecordKey returns the identity key of a record.
func RecordKey(rec *models.FacilityRecord) string {
	return Key(rec.Name, rec.Address)
}
