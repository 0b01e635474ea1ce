// Package normalizer validates and normalizes facility records coming from
// external sources.
package normalizer

import (
	"fmt"

	"facilitysync/internal/models"
)

// Processor converts raw candidates into validated records.
type Processor struct {
	validator   *Validator
	transformer *Transformer
}

// NewProcessor creates a new processor instance.
func NewProcessor() *Processor {
	return &Processor{
		validator:   NewValidator(),
		transformer: NewTransformer(),
	}
}

// ProcessResult holds the accepted records and what was discarded.
type ProcessResult struct {
	Records      []models.FacilityRecord
	Rejected     []error
	InvalidCount int
}

// Process converts one candidate into a normalized record.
func (p *Processor) Process(c models.Candidate) (models.FacilityRecord, error) {
	// 1. Decode field types
	rec, err := models.FromCandidate(c)
	if err != nil {
		return models.FacilityRecord{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	// 2. Validate structure before touching nested values
	if err := p.validator.Validate(&rec); err != nil {
		return models.FacilityRecord{}, fmt.Errorf("validation failed: %w", err)
	}

	// 3. Transform the data
	return p.transformer.Transform(rec), nil
}

// ProcessAll converts candidates in order, discarding and counting invalid ones.
func (p *Processor) ProcessAll(candidates []models.Candidate) ProcessResult {
	result := ProcessResult{Records: make([]models.FacilityRecord, 0, len(candidates))}

	for i, c := range candidates {
		rec, err := p.Process(c)
		if err != nil {
			result.InvalidCount++
			result.Rejected = append(result.Rejected, fmt.Errorf("candidate %d: %w", i, err))

			continue
		}

		result.Records = append(result.Records, rec)
	}

	return result
}
