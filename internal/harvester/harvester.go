// Package harvester enriches facility records in sequential, bounded
// concurrency batches.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
	"facilitysync/internal/normalizer"
)

// Harvester errors.
var (
	ErrTaskTimeout    = errors.New("task timed out")
	ErrBatchTimeout   = errors.New("batch timed out")
	ErrNoEnricher     = errors.New("no enricher configured")
	ErrInvalidOptions = errors.New("invalid harvester options")
	ErrTaskPanic      = errors.New("enrichment task panicked")
)

// gcEvery is the number of batches between memory reclaim hints.
const gcEvery = 10

// Enricher looks up details for one facility. A nil record with a nil error
// means the source had nothing for it.
type Enricher interface {
	Enrich(ctx context.Context, name, address string) (*models.FacilityRecord, error)
}

// Lifecycle reports whether the process is shutting down. When it is, no new
// batch is started.
type Lifecycle interface {
	Draining() bool
}

// Options controls batching.
type Options struct {
	BatchSize             int
	MaxConcurrentPerBatch int
	PerTaskTimeout        time.Duration
	BatchTimeout          time.Duration
	InterBatchDelay       time.Duration
	MaxRetries            int
	// Retry spaces out attempts after non-timeout failures.
	Retry config.RetryPolicy
}

// OptionsFromConfig converts harvest settings.
func OptionsFromConfig(cfg config.HarvestConfig, retry config.RetryPolicy) Options {
	return Options{
		BatchSize:             cfg.BatchSize,
		MaxConcurrentPerBatch: cfg.EffectiveConcurrency(),
		PerTaskTimeout:        cfg.PerTaskTimeout.Duration,
		BatchTimeout:          cfg.BatchTimeout.Duration,
		InterBatchDelay:       cfg.InterBatchDelay.Duration,
		MaxRetries:            cfg.MaxRetries,
		Retry:                 retry,
	}
}

// BatchResult is the outcome of one task. Index is the position of the
// facility in the harvester input.
type BatchResult struct {
	Record   *models.FacilityRecord
	Err      error
	Name     string
	Address  string
	Index    int
	Attempts int
	Success  bool
}

// Result summarises a harvest.
type Result struct {
	Errors      []error
	Enriched    []models.FacilityRecord
	Processed   int
	Succeeded   int
	Skipped     int
	Batches     int
	Interrupted bool
}

// Harvester runs enrichment tasks batch by batch.
type Harvester struct {
	enricher  Enricher
	lifecycle Lifecycle
	validator *normalizer.Validator
	logger    *logger.Logger
	opts      Options

	// test hook
	gc func()
}

// New creates a harvester. lifecycle may be nil.
func New(enricher Enricher, opts Options, lifecycle Lifecycle, log *logger.Logger) *Harvester {
	if log == nil {
		log = logger.NewLogger("info")
	}

	return &Harvester{
		enricher:  enricher,
		lifecycle: lifecycle,
		validator: normalizer.NewValidator(),
		logger:    log,
		opts:      opts,
		gc:        runtime.GC,
	}
}

func (h *Harvester) validateOptions() error {
	if h.enricher == nil {
		return ErrNoEnricher
	}

	if h.opts.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidOptions, h.opts.BatchSize)
	}

	if h.opts.PerTaskTimeout <= 0 || h.opts.BatchTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}

	if h.opts.MaxRetries < 0 || h.opts.InterBatchDelay < 0 {
		return fmt.Errorf("%w: negative retries or delay", ErrInvalidOptions)
	}

	return nil
}

// Run enriches records in order. Item and batch failures are collected in the
// result; an error is returned only when the harvester cannot run at all.
func (h *Harvester) Run(ctx context.Context, records []models.FacilityRecord) (*Result, error) {
	if err := h.validateOptions(); err != nil {
		return nil, err
	}

	result := &Result{}
	total := (len(records) + h.opts.BatchSize - 1) / h.opts.BatchSize

	for start := 0; start < len(records); start += h.opts.BatchSize {
		if h.lifecycle != nil && h.lifecycle.Draining() {
			h.logger.Warn("Draining, not starting further batches", "completed_batches", result.Batches, "remaining", len(records)-start)
			result.Interrupted = true

			break
		}

		if ctx.Err() != nil {
			result.Interrupted = true

			break
		}

		end := min(start+h.opts.BatchSize, len(records))
		batchNum := result.Batches + 1

		h.runBatch(ctx, records[start:end], start, batchNum, result)
		result.Batches++

		h.logger.Info("Batch complete",
			"batch", batchNum,
			"of", total,
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"errors", len(result.Errors))

		if result.Batches%gcEvery == 0 {
			h.gc()
		}

		if end < len(records) && h.opts.InterBatchDelay > 0 {
			if err := sleep(ctx, h.opts.InterBatchDelay); err != nil {
				result.Interrupted = true

				break
			}
		}
	}

	return result, nil
}

// runBatch processes one batch and folds its outcome into result.
func (h *Harvester) runBatch(ctx context.Context, batch []models.FacilityRecord, offset, batchNum int, result *Result) {
	type task struct {
		rec   *models.FacilityRecord
		index int
	}

	tasks := make([]task, 0, len(batch))

	for i := range batch {
		if err := h.validator.ValidateIdentity(batch[i].Name, batch[i].Address); err != nil {
			result.Skipped++
			h.logger.Debug("Skipping invalid candidate", "index", offset+i, "error", err)

			continue
		}

		tasks = append(tasks, task{rec: &batch[i], index: offset + i})
	}

	if len(tasks) == 0 {
		return
	}

	result.Processed += len(tasks)

	batchCtx, cancel := context.WithTimeout(ctx, h.opts.BatchTimeout)
	defer cancel()

	results := make([]BatchResult, len(tasks))

	var g errgroup.Group

	limit := h.opts.MaxConcurrentPerBatch
	if limit <= 0 {
		limit = h.opts.BatchSize
	}

	g.SetLimit(max(1, min(len(tasks), limit, h.opts.BatchSize)))

	// g.Go blocks at the limit, so scheduling runs apart from the deadline select.
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i, t := range tasks {
			i, t := i, t
			if batchCtx.Err() != nil {
				results[i] = BatchResult{Index: t.index, Name: t.rec.Name, Address: t.rec.Address, Err: batchCtx.Err()}

				continue
			}

			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						results[i] = BatchResult{Index: t.index, Name: t.rec.Name, Address: t.rec.Address, Err: h.panicked(t.rec.Name, r)}
					}
				}()

				results[i] = h.runTask(batchCtx, t.rec, t.index)

				return nil
			})
		}

		_ = g.Wait()
	}()

	finished := false

	select {
	case <-done:
		finished = true
	case <-batchCtx.Done():
		select {
		case <-done:
			finished = true
		default:
		}
	}

	expired := errors.Is(batchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if finished && expired {
		finished = allSucceeded(results)
	}

	if !finished {
		// Abandoned tasks see the cancelled context and wind down on their own.
		if expired {
			from, to := offset, offset+len(batch)-1
			result.Errors = append(result.Errors, fmt.Errorf("batch %d (items %d-%d) after %s: %w",
				batchNum, from, to, h.opts.BatchTimeout, ErrBatchTimeout))
			h.logger.Error("Batch timed out", "batch", batchNum, "timeout", h.opts.BatchTimeout)
		} else {
			result.Errors = append(result.Errors, fmt.Errorf("batch %d: %w", batchNum, ctx.Err()))
		}

		return
	}

	for i := range results {
		r := &results[i]
		if !r.Success {
			result.Errors = append(result.Errors, fmt.Errorf("facility %d %q: %w", r.Index, r.Name, r.Err))

			continue
		}

		result.Succeeded++

		if r.Record != nil {
			result.Enriched = append(result.Enriched, *r.Record)
		}
	}
}

// runTask enriches one record, retrying failures other than timeouts.
func (h *Harvester) runTask(ctx context.Context, rec *models.FacilityRecord, index int) BatchResult {
	res := BatchResult{Index: index, Name: rec.Name, Address: rec.Address}

	for attempt := 0; attempt <= h.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if delay := h.opts.Retry.GetRetryDelay(attempt + 1); delay > 0 {
				if err := sleep(ctx, delay); err != nil {
					return res
				}
			}
		}

		res.Attempts = attempt + 1

		out, err := h.enrichWithTimeout(ctx, rec.Name, rec.Address)
		if err == nil {
			if out != nil {
				enriched := out.Clone()
				enriched.Name = rec.Name
				enriched.Address = rec.Address
				res.Record = &enriched
			}

			res.Success = true
			res.Err = nil

			return res
		}

		res.Err = err

		if errors.Is(err, ErrTaskTimeout) || errors.Is(err, ErrTaskPanic) || ctx.Err() != nil {
			return res
		}

		h.logger.Debug("Enrichment attempt failed", "index", index, "attempt", attempt+1, "error", err)
	}

	return res
}

// enrichWithTimeout races the enricher against the per-task deadline. The
// context handed to the enricher is cancelled when the deadline passes.
func (h *Harvester) enrichWithTimeout(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
	taskCtx, cancel := context.WithTimeout(ctx, h.opts.PerTaskTimeout)
	defer cancel()

	type outcome struct {
		rec *models.FacilityRecord
		err error
	}

	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: h.panicked(name, r)}
			}
		}()

		rec, err := h.enricher.Enrich(taskCtx, name, address)
		ch <- outcome{rec: rec, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrTaskTimeout, h.opts.PerTaskTimeout, o.err)
		}

		return o.rec, o.err
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, h.opts.PerTaskTimeout)
	}
}

// panicked turns a recovered panic into a task error and records it in the
// error sink.
func (h *Harvester) panicked(name string, r any) error {
	err := fmt.Errorf("%w: %v", ErrTaskPanic, r)
	h.logger.Fatal("Enrichment task panicked", "facility", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))

	return err
}

func allSucceeded(results []BatchResult) bool {
	for i := range results {
		if !results[i].Success {
			return false
		}
	}

	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
