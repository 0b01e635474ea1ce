// Package merge reconciles stored facility records with incoming ones.
package merge

import (
	"fmt"
	"slices"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/models"
	"facilitysync/internal/normalizer"
)

// Size limits of the persisted registry.
const (
	MaxItems         = 50000
	MaxExistingItems = 45000
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Eviction         string
	MaxItems         int
	MaxExistingItems int
}

// Engine merges record collections. It holds no state between calls.
type Engine struct {
	validator *normalizer.Validator
	opts      Options
}

// Result is the outcome of a merge.
type Result struct {
	Records             []models.FacilityRecord
	Invalid             []error
	InvalidCount        int
	Inserted            int
	Updated             int
	DuplicatesCollapsed int
	TruncatedExisting   int
	TruncatedIncoming   int
}

// NewEngine creates a merge engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxItems <= 0 {
		opts.MaxItems = MaxItems
	}

	if opts.MaxExistingItems <= 0 {
		opts.MaxExistingItems = MaxExistingItems
	}

	if opts.MaxExistingItems > opts.MaxItems {
		opts.MaxExistingItems = opts.MaxItems
	}

	if opts.Eviction == "" {
		opts.Eviction = config.EvictionInputOrder
	}

	return &Engine{
		validator: normalizer.NewValidator(),
		opts:      opts,
	}
}

// Merge reconciles existing with incoming at time now. Neither input is
// modified. Order of the result follows the first appearance of each key in
// existing, then the order in which new keys arrive in incoming.
func (e *Engine) Merge(existing, incoming []models.FacilityRecord, now time.Time) Result {
	var result Result

	// 1. Cap existing
	existing = e.capExisting(existing)
	result.TruncatedExisting = max(0, len(existing)-e.opts.MaxExistingItems)

	if result.TruncatedExisting > 0 {
		existing = existing[:e.opts.MaxExistingItems]
	}

	// 2. Cap incoming against the total bound
	room := max(0, e.opts.MaxItems-len(existing))
	if len(incoming) > room {
		result.TruncatedIncoming = len(incoming) - room
		incoming = incoming[:room]
	}

	// 3 + 4. Validate and index existing
	merged, index := e.indexExisting(existing, len(incoming), now, &result)

	// 5. Apply incoming
	for i := range incoming {
		if err := e.validator.Validate(&incoming[i]); err != nil {
			result.InvalidCount++
			result.Invalid = append(result.Invalid, fmt.Errorf("incoming[%d]: %w", i, err))

			continue
		}

		rec := incoming[i].Clone()
		key := normalizer.RecordKey(&rec)

		if pos, ok := index[key]; ok {
			overlay(&merged[pos], &rec)
			merged[pos].UpdatedAt = now
			result.Updated++

			continue
		}

		rec.CreatedAt = now
		rec.UpdatedAt = now
		index[key] = len(merged)
		merged = append(merged, rec)
		result.Inserted++
	}

	// 6. Values in index order
	result.Records = merged

	return result
}

// Apply overlays updates onto existing at time now without capping existing.
// Updates whose key is already stored refresh that record; new keys are
// inserted only while the total stays within MaxItems. Neither input is
// modified.
func (e *Engine) Apply(existing, updates []models.FacilityRecord, now time.Time) Result {
	var result Result

	merged, index := e.indexExisting(existing, len(updates), now, &result)

	for i := range updates {
		if err := e.validator.Validate(&updates[i]); err != nil {
			result.InvalidCount++
			result.Invalid = append(result.Invalid, fmt.Errorf("update[%d]: %w", i, err))

			continue
		}

		rec := updates[i].Clone()
		key := normalizer.RecordKey(&rec)

		if pos, ok := index[key]; ok {
			overlay(&merged[pos], &rec)
			merged[pos].UpdatedAt = now
			result.Updated++

			continue
		}

		if len(merged) >= e.opts.MaxItems {
			result.TruncatedIncoming++

			continue
		}

		rec.CreatedAt = now
		rec.UpdatedAt = now
		index[key] = len(merged)
		merged = append(merged, rec)
		result.Inserted++
	}

	result.Records = merged

	return result
}

// indexExisting validates existing, backfills timestamps and collapses
// duplicate keys in first-appearance order.
func (e *Engine) indexExisting(existing []models.FacilityRecord, extra int, now time.Time, result *Result) ([]models.FacilityRecord, map[string]int) {
	index := make(map[string]int, len(existing)+extra)
	merged := make([]models.FacilityRecord, 0, len(existing)+extra)

	for i := range existing {
		if err := e.validator.Validate(&existing[i]); err != nil {
			result.InvalidCount++
			result.Invalid = append(result.Invalid, fmt.Errorf("existing[%d]: %w", i, err))

			continue
		}

		rec := existing[i].Clone()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}

		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}

		key := normalizer.RecordKey(&rec)
		if pos, ok := index[key]; ok {
			overlay(&merged[pos], &rec)

			if rec.UpdatedAt.After(merged[pos].UpdatedAt) {
				merged[pos].UpdatedAt = rec.UpdatedAt
			}

			result.DuplicatesCollapsed++

			continue
		}

		index[key] = len(merged)
		merged = append(merged, rec)
	}

	return merged, index
}

// capExisting orders existing so that the records to keep come first when the
// cap is exceeded. Input order is preserved among the kept records.
func (e *Engine) capExisting(existing []models.FacilityRecord) []models.FacilityRecord {
	if len(existing) <= e.opts.MaxExistingItems || e.opts.Eviction == config.EvictionInputOrder {
		return existing
	}

	stamp := func(r *models.FacilityRecord) time.Time {
		if e.opts.Eviction == config.EvictionOldestCreated {
			return r.CreatedAt
		}

		return r.UpdatedAt
	}

	order := make([]int, len(existing))
	for i := range order {
		order[i] = i
	}

	// Newest first; ties keep input order.
	slices.SortStableFunc(order, func(a, b int) int {
		return stamp(&existing[b]).Compare(stamp(&existing[a]))
	})

	keep := order[:e.opts.MaxExistingItems]
	slices.Sort(keep)

	out := make([]models.FacilityRecord, 0, len(existing))
	for _, i := range keep {
		out = append(out, existing[i])
	}

	// Evicted records trail so the caller's truncation drops exactly them.
	dropped := order[e.opts.MaxExistingItems:]
	slices.Sort(dropped)

	for _, i := range dropped {
		out = append(out, existing[i])
	}

	return out
}

// overlay copies src onto dst. Identity and attributes from src win, except
// that a null attribute in src does not erase a value already held by dst.
// Timestamps are left to the caller.
func overlay(dst, src *models.FacilityRecord) {
	dst.Name = src.Name
	dst.Address = src.Address

	for k, v := range src.Attributes {
		if v == nil {
			if cur, ok := dst.Attributes[k]; ok && cur != nil {
				continue
			}
		}

		dst.SetAttr(k, v)
	}
}

var defaultEngine = NewEngine(Options{})

// Merge reconciles existing with incoming using the default limits.
func Merge(existing, incoming []models.FacilityRecord, now time.Time) Result {
	return defaultEngine.Merge(existing, incoming, now)
}

// ValidateRecord reports whether a record may be persisted.
func ValidateRecord(rec *models.FacilityRecord) error {
	return defaultEngine.validator.Validate(rec)
}
