// Package pipeline runs the staged facility refresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"facilitysync/internal/config"
	"facilitysync/internal/harvester"
	"facilitysync/internal/logger"
	"facilitysync/internal/merge"
	"facilitysync/internal/models"
	"facilitysync/internal/normalizer"
	"facilitysync/internal/registry"
	"facilitysync/internal/storage"
)

// Pipeline errors.
var (
	ErrFatal           = errors.New("fatal pipeline error")
	ErrStoreUnreadable = errors.New("current registry could not be read")
	ErrQualityCheck    = errors.New("quality check failed")
	ErrNoSink          = errors.New("relational persistence enabled without a sink")
)

// Store persists the registry file.
type Store interface {
	LoadRecords(ctx context.Context, path string) (storage.LoadResult, error)
	SaveRecords(ctx context.Context, path string, records []models.FacilityRecord, pretty bool) error
	Backup(ctx context.Context, path string) (string, error)
}

// RelationalSink receives the final record set when relational persistence is
// enabled.
type RelationalSink interface {
	Persist(ctx context.Context, records []models.FacilityRecord) error
}

// Deps are the collaborators of an Orchestrator. Registry, Enricher and Sink
// are optional when their stage is disabled.
type Deps struct {
	Registry  registry.Client
	Enricher  harvester.Enricher
	Store     Store
	Sink      RelationalSink
	Lifecycle harvester.Lifecycle
	Logger    *logger.Logger
	Now       func() time.Time
	RunID     string
}

// Orchestrator runs collect, persist-raw, enrich and final-merge, followed by
// the optional quality check and relational hand-off.
type Orchestrator struct {
	cfg       *config.Config
	deps      Deps
	processor *normalizer.Processor
	merger    *merge.Engine
	logger    *logger.Logger
}

// New creates an orchestrator. cfg must already be validated.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logger.NewLogger(cfg.Logging.Level)
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		processor: normalizer.NewProcessor(),
		merger:    merge.NewEngine(merge.Options{Eviction: cfg.Merge.Eviction}),
		logger:    deps.Logger.With("run_id", deps.RunID),
	}
}

// runState carries data between stages.
type runState struct {
	summary  *Summary
	incoming []models.FacilityRecord
	current  []models.FacilityRecord
	enriched []models.FacilityRecord
	loaded   bool
	// dirty marks in-memory changes that have not reached the file.
	dirty bool
}

// Run executes every enabled stage. Stage failures are recorded in the summary
// and later stages still run. The returned error is non-nil only for fatal
// faults, in which case the summary describes the stages that ran.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.deps.Now()

	state := &runState{
		summary: &Summary{RunID: o.deps.RunID, StartedAt: start},
	}

	o.logger.Info("🚀 Starting facility refresh", "config", o.cfg.String())

	steps := []struct {
		name Stage
		fn   func(context.Context, *runState) StageResult
	}{
		{StageCollect, o.collect},
		{StagePersistRaw, o.persistRaw},
		{StageEnrich, o.enrich},
		{StageFinalMerge, o.finalMerge},
		{StageQualityCheck, o.qualityCheck},
		{StageRelational, o.relational},
	}

	var fatal error

	for i, step := range steps {
		o.logger.Info(fmt.Sprintf("Phase %d: %s", i+1, step.name))

		stageStart := time.Now()
		res := step.fn(ctx, state)
		res.Name = step.name
		res.Duration = time.Since(stageStart)
		state.summary.Stages = append(state.summary.Stages, res)

		o.logStage(res)

		if res.Err != nil && errors.Is(res.Err, storage.ErrFileTooLarge) {
			fatal = fmt.Errorf("%w: stage %s: %w", ErrFatal, step.name, res.Err)

			break
		}
	}

	summary := state.summary
	summary.Duration = o.deps.Now().Sub(start)
	summary.Success = len(summary.Errors) == 0 && fatal == nil

	if state.loaded {
		summary.StoreSize = len(state.current)
	}

	return summary, fatal
}

func (o *Orchestrator) logStage(res StageResult) {
	args := []any{"stage", res.Name, "status", res.Status, "count", res.Count, "duration", res.Duration}
	if res.Detail != "" {
		args = append(args, "detail", res.Detail)
	}

	switch res.Status {
	case StatusFailed:
		o.logger.Error("❌ Stage failed", append(args, "error", res.Err)...)
	case StatusDegraded:
		o.logger.Warn("⚠️  Stage degraded", append(args, "error", res.Err)...)
	default:
		o.logger.Info("✅ Stage finished", args...)
	}
}

// collect reads the registry API. It is a soft dependency: any failure yields
// an empty collection and does not count as a run error.
func (o *Orchestrator) collect(ctx context.Context, state *runState) StageResult {
	if !o.cfg.Stages.ReadAPI || o.deps.Registry == nil {
		return StageResult{Status: StatusSkipped}
	}

	candidates, err := o.deps.Registry.FetchAll(ctx)
	if err != nil {
		if !errors.Is(err, registry.ErrSoftDependency) {
			err = fmt.Errorf("%w: %w", registry.ErrSoftDependency, err)
		}

		return StageResult{Status: StatusDegraded, Err: err, Detail: "continuing with an empty collection"}
	}

	processed := o.processor.ProcessAll(candidates)
	state.incoming = processed.Records
	state.summary.Collected = len(candidates)
	state.summary.InvalidCount += processed.InvalidCount

	for _, rejected := range processed.Rejected {
		o.logger.Debug("Discarded candidate", "error", rejected)
	}

	return StageResult{
		Status: StatusOK,
		Count:  len(processed.Records),
		Detail: fmt.Sprintf("%d candidates, %d invalid", len(candidates), processed.InvalidCount),
	}
}

// persistRaw merges the collected records into the on-disk registry.
func (o *Orchestrator) persistRaw(ctx context.Context, state *runState) StageResult {
	if !o.cfg.Stages.RawPersist {
		return StageResult{Status: StatusSkipped}
	}

	if err := o.load(ctx, state); err != nil {
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	if len(state.incoming) == 0 {
		return StageResult{Status: StatusSkipped, Detail: "nothing collected"}
	}

	result := o.merger.Merge(state.current, state.incoming, o.deps.Now())
	o.foldMerge(state, result)

	if err := o.save(ctx, state, false); err != nil {
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	return StageResult{
		Status: StatusOK,
		Count:  len(state.current),
		Detail: fmt.Sprintf("%d inserted, %d updated", result.Inserted, result.Updated),
	}
}

// enrich reloads the registry and harvests details for every record.
func (o *Orchestrator) enrich(ctx context.Context, state *runState) StageResult {
	if !o.cfg.Stages.Crawl {
		return StageResult{Status: StatusSkipped}
	}

	// Re-read what persist-raw wrote unless that write failed.
	if !state.dirty {
		state.loaded = false
	}

	if err := o.load(ctx, state); err != nil {
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	h := harvester.New(o.deps.Enricher, harvester.OptionsFromConfig(o.cfg.Harvest, o.cfg.Retry), o.deps.Lifecycle, o.logger)

	result, err := h.Run(ctx, state.current)
	if err != nil {
		err = fmt.Errorf("harvester: %w", err)
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	s := state.summary
	s.TotalProcessed += result.Processed
	s.SuccessfulUpdates += result.Succeeded
	s.Skipped += result.Skipped
	s.Enriched += len(result.Enriched)
	s.Interrupted = s.Interrupted || result.Interrupted
	s.Errors = append(s.Errors, result.Errors...)
	state.enriched = result.Enriched

	status := StatusOK
	if len(result.Errors) > 0 || result.Interrupted {
		status = StatusDegraded
	}

	var stageErr error
	if len(result.Errors) > 0 {
		stageErr = fmt.Errorf("%d enrichment errors, first: %w", len(result.Errors), result.Errors[0])
	}

	return StageResult{
		Status: status,
		Err:    stageErr,
		Count:  result.Processed,
		Detail: fmt.Sprintf("%d batches, %d succeeded, %d enriched", result.Batches, result.Succeeded, len(result.Enriched)),
	}
}

// finalMerge folds enrichment results into the registry and persists it.
func (o *Orchestrator) finalMerge(ctx context.Context, state *runState) StageResult {
	if len(state.enriched) == 0 && !state.dirty && state.loaded {
		return StageResult{Status: StatusSkipped, Count: len(state.current), Detail: "registry already current"}
	}

	if err := o.load(ctx, state); err != nil {
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	result := o.merger.Apply(state.current, state.enriched, o.deps.Now())
	o.foldMerge(state, result)

	if err := o.save(ctx, state, o.cfg.Output.CreateBackup); err != nil {
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	return StageResult{
		Status: StatusOK,
		Count:  len(state.current),
		Detail: fmt.Sprintf("%d records updated from enrichment", result.Updated),
	}
}

// qualityCheck re-reads the persisted registry and verifies its invariants.
func (o *Orchestrator) qualityCheck(ctx context.Context, state *runState) StageResult {
	if !o.cfg.Stages.QualityCheck || !o.cfg.Output.PersistToFile {
		return StageResult{Status: StatusSkipped}
	}

	loaded, err := o.deps.Store.LoadRecords(ctx, o.cfg.Output.Path)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrQualityCheck, err)
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	report := CheckRecords(loaded.Records, merge.MaxItems)
	report.Undecoded = loaded.Undecoded

	if violations := report.Violations(); len(violations) > 0 {
		for _, v := range violations {
			state.summary.addError(fmt.Errorf("%w: %w", ErrQualityCheck, v))
		}

		return StageResult{Status: StatusFailed, Err: violations[0], Count: len(loaded.Records)}
	}

	return StageResult{Status: StatusOK, Count: len(loaded.Records)}
}

// relational hands the final set to the relational sink.
func (o *Orchestrator) relational(ctx context.Context, state *runState) StageResult {
	if !o.cfg.Output.PersistToRelational {
		return StageResult{Status: StatusSkipped}
	}

	if o.deps.Sink == nil {
		state.summary.addError(ErrNoSink)

		return StageResult{Status: StatusFailed, Err: ErrNoSink}
	}

	if err := o.deps.Sink.Persist(ctx, state.current); err != nil {
		err = fmt.Errorf("relational sink: %w", err)
		state.summary.addError(err)

		return StageResult{Status: StatusFailed, Err: err}
	}

	return StageResult{Status: StatusOK, Count: len(state.current)}
}

// load reads the registry into state.current once per stage chain. Without
// file persistence the in-memory set is authoritative. A missing file is an
// empty registry; an unreadable one is an error so it is never overwritten.
func (o *Orchestrator) load(ctx context.Context, state *runState) error {
	if state.loaded || !o.cfg.Output.PersistToFile {
		state.loaded = true

		return nil
	}

	loaded, err := o.deps.Store.LoadRecords(ctx, o.cfg.Output.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnreadable, err)
	}

	if loaded.Undecoded > 0 {
		o.logger.Warn("Dropped undecodable registry entries", "count", loaded.Undecoded)
	}

	state.current = loaded.Records
	state.loaded = true

	return nil
}

func (o *Orchestrator) save(ctx context.Context, state *runState, backup bool) error {
	if !o.cfg.Output.PersistToFile {
		state.dirty = false

		return nil
	}

	if backup {
		if path, err := o.deps.Store.Backup(ctx, o.cfg.Output.Path); err != nil {
			o.logger.Warn("Backup failed", "error", err)
		} else if path != "" {
			o.logger.Info("💾 Backup written", "path", path)
		}
	}

	if err := o.deps.Store.SaveRecords(ctx, o.cfg.Output.Path, state.current, o.cfg.Output.PrettyPrint); err != nil {
		return err
	}

	state.dirty = false

	return nil
}

func (o *Orchestrator) foldMerge(state *runState, result merge.Result) {
	state.current = result.Records
	state.dirty = true
	state.summary.InvalidCount += result.InvalidCount
	state.summary.Inserted += result.Inserted
	state.summary.Updated += result.Updated

	if result.TruncatedExisting > 0 || result.TruncatedIncoming > 0 {
		o.logger.Warn("Registry cap reached",
			"truncated_existing", result.TruncatedExisting,
			"truncated_incoming", result.TruncatedIncoming,
			"eviction", o.cfg.Merge.Eviction)
	}

	for _, invalid := range result.Invalid {
		o.logger.Debug("Discarded record", "error", invalid)
	}
}
