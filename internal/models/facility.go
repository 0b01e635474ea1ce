// Package models defines data structures for the facility registry.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved JSON keys of a facility record; all other keys are attributes.
const (
	FieldName      = "name"
	FieldAddress   = "address"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Record decoding errors.
var (
	ErrFieldNotString = errors.New("field is not a string")
	ErrBadTimestamp   = errors.New("timestamp is not RFC3339")
)

// Candidate is an unvalidated facility as returned by an external source.
type Candidate map[string]any

// FacilityRecord is one tracked facility. Attributes holds every field other
// than the identity and timestamps, using JSON-plain values only.
type FacilityRecord struct {
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Attributes map[string]any `json:"-"`
	Name       string         `json:"name"`
	Address    string         `json:"address"`
}

// Attr returns the attribute value and whether it is present.
func (r *FacilityRecord) Attr(key string) (any, bool) {
	v, ok := r.Attributes[key]

	return v, ok
}

// SetAttr sets an attribute, allocating the map when needed.
func (r *FacilityRecord) SetAttr(key string, value any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}

	r.Attributes[key] = value
}

// Clone returns a deep copy. The record must be acyclic.
func (r FacilityRecord) Clone() FacilityRecord {
	out := r
	out.Attributes = nil

	if r.Attributes != nil {
		out.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = cloneValue(v)
		}
	}

	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}

		return m
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}

		return s
	default:
		return v
	}
}

// MarshalJSON writes the record as one flat object.
func (r FacilityRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		out[k] = v
	}

	out[FieldName] = r.Name
	out[FieldAddress] = r.Address

	if !r.CreatedAt.IsZero() {
		out[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	if !r.UpdatedAt.IsZero() {
		out[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object, rejecting non-string identity fields.
func (r *FacilityRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec, err := FromCandidate(raw)
	if err != nil {
		return err
	}

	*r = rec

	return nil
}

// FromCandidate converts a raw candidate into a record. Only field types are
// checked here; content rules live in the normalizer.
func FromCandidate(c Candidate) (FacilityRecord, error) {
	var rec FacilityRecord

	for k, v := range c {
		switch k {
		case FieldName, FieldAddress:
			s, ok := v.(string)
			if !ok {
				return FacilityRecord{}, fmt.Errorf("%w: %s has type %T", ErrFieldNotString, k, v)
			}

			if k == FieldName {
				rec.Name = s
			} else {
				rec.Address = s
			}
		case FieldCreatedAt, FieldUpdatedAt:
			ts, err := parseTimestamp(v)
			if err != nil {
				return FacilityRecord{}, fmt.Errorf("%s: %w", k, err)
			}

			if k == FieldCreatedAt {
				rec.CreatedAt = ts
			} else {
				rec.UpdatedAt = ts
			}
		default:
			rec.SetAttr(k, v)
		}
	}

	return rec, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if val == "" {
			return time.Time{}, nil
		}

		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, val)
		}

		return ts, nil
	case time.Time:
		return val, nil
	default:
		return time.Time{}, fmt.Errorf("%w: type %T", ErrBadTimestamp, v)
	}
}
