package pipeline

import (
	"errors"
	"fmt"

	"facilitysync/internal/merge"
	"facilitysync/internal/models"
	"facilitysync/internal/normalizer"
)

// Registry invariant violations.
var (
	ErrDuplicateKey  = errors.New("duplicate facility key")
	ErrStoreTooLarge = errors.New("registry exceeds maximum record count")
	ErrUndecodable   = errors.New("registry contains undecodable entries")
)

// QualityReport describes how a record set measures against the registry
// invariants.
type QualityReport struct {
	DuplicateKeys []string
	Invalid       []error
	Total         int
	MaxItems      int
	Undecoded     int
}

// CheckRecords verifies key uniqueness, the size bound and record validity.
func CheckRecords(records []models.FacilityRecord, maxItems int) QualityReport {
	report := QualityReport{Total: len(records), MaxItems: maxItems}
	seen := make(map[string]int, len(records))

	for i := range records {
		if err := merge.ValidateRecord(&records[i]); err != nil {
			report.Invalid = append(report.Invalid, fmt.Errorf("record %d: %w", i, err))
		}

		key := normalizer.RecordKey(&records[i])
		seen[key]++

		if seen[key] == 2 {
			report.DuplicateKeys = append(report.DuplicateKeys, key)
		}
	}

	return report
}

// Violations lists every failed invariant as an error.
func (r QualityReport) Violations() []error {
	var out []error

	if r.MaxItems > 0 && r.Total > r.MaxItems {
		out = append(out, fmt.Errorf("%w: %d > %d", ErrStoreTooLarge, r.Total, r.MaxItems))
	}

	for _, key := range r.DuplicateKeys {
		out = append(out, fmt.Errorf("%w: %q", ErrDuplicateKey, key))
	}

	if r.Undecoded > 0 {
		out = append(out, fmt.Errorf("%w: %d", ErrUndecodable, r.Undecoded))
	}

	return append(out, r.Invalid...)
}

// OK reports whether no invariant is violated.
func (r QualityReport) OK() bool {
	return len(r.Violations()) == 0
}
