package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"facilitysync/internal/models"
)

// Record limits.
const (
	MaxNameLength    = 200
	MaxAddressLength = 500
	MaxDepth         = 32
)

// Validation errors.
var (
	ErrInvalid          = errors.New("invalid facility record")
	ErrEmptyName        = fmt.Errorf("%w: empty name", ErrInvalid)
	ErrEmptyAddress     = fmt.Errorf("%w: empty address", ErrInvalid)
	ErrNameTooLong      = fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, MaxNameLength)
	ErrAddressTooLong   = fmt.Errorf("%w: address exceeds %d characters", ErrInvalid, MaxAddressLength)
	ErrCyclicStructure  = fmt.Errorf("%w: self-referential attribute", ErrInvalid)
	ErrTooDeep          = fmt.Errorf("%w: attributes nested deeper than %d", ErrInvalid, MaxDepth)
	ErrUnsupportedValue = fmt.Errorf("%w: unsupported attribute value", ErrInvalid)
)

// Validator checks facility records against the registry's content rules.
type Validator struct {
	maxName    int
	maxAddress int
	maxDepth   int
}

// NewValidator creates a new validator instance with the registry limits.
func NewValidator() *Validator {
	return &Validator{
		maxName:    MaxNameLength,
		maxAddress: MaxAddressLength,
		maxDepth:   MaxDepth,
	}
}

// Validate checks if a record meets requirements.
func (v *Validator) Validate(rec *models.FacilityRecord) error {
	if err := v.ValidateIdentity(rec.Name, rec.Address); err != nil {
		return err
	}

	for key, val := range rec.Attributes {
		if err := v.walk(val, 1, map[uintptr]struct{}{}); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
	}

	return nil
}

// ValidateIdentity checks the name and address alone.
func (v *Validator) ValidateIdentity(name, address string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	if strings.TrimSpace(address) == "" {
		return ErrEmptyAddress
	}

	if utf8.RuneCountInString(name) > v.maxName {
		return ErrNameTooLong
	}

	if utf8.RuneCountInString(address) > v.maxAddress {
		return ErrAddressTooLong
	}

	return nil
}

// walk descends into a value, tracking the containers on the current path.
func (v *Validator) walk(val any, depth int, path map[uintptr]struct{}) error {
	if depth > v.maxDepth {
		return ErrTooDeep
	}

	switch t := val.(type) {
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case []string, map[string]string:
		return nil
	case map[string]any:
		id := reflect.ValueOf(t).Pointer()
		if _, seen := path[id]; seen {
			return ErrCyclicStructure
		}

		path[id] = struct{}{}
		defer delete(path, id)

		for _, inner := range t {
			if err := v.walk(inner, depth+1, path); err != nil {
				return err
			}
		}

		return nil
	case []any:
		if len(t) == 0 {
			return nil
		}

		id := reflect.ValueOf(t).Pointer()
		if _, seen := path[id]; seen {
			return ErrCyclicStructure
		}

		path[id] = struct{}{}
		defer delete(path, id)

		for _, inner := range t {
			if err := v.walk(inner, depth+1, path); err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, val)
	}
}

// finite rejects values JSON cannot encode.
func finite(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}

	return nil
}
