package pipeline

import (
	"time"
)

// PartialSuccessThreshold is the minimum successful/processed ratio for an
// imperfect run to be accepted.
const PartialSuccessThreshold = 0.5

// Stage names a pipeline step.
type Stage string

// Pipeline stages in execution order.
const (
	StageCollect      Stage = "collect"
	StagePersistRaw   Stage = "persist-raw"
	StageEnrich       Stage = "enrich"
	StageFinalMerge   Stage = "final-merge"
	StageQualityCheck Stage = "quality-check"
	StageRelational   Stage = "relational"
)

// StageStatus is the outcome of one stage.
type StageStatus string

// Stage statuses.
const (
	StatusOK       StageStatus = "ok"
	StatusSkipped  StageStatus = "skipped"
	StatusDegraded StageStatus = "degraded"
	StatusFailed   StageStatus = "failed"
)

// StageResult records what a stage did.
type StageResult struct {
	Err      error
	Name     Stage
	Status   StageStatus
	Detail   string
	Duration time.Duration
	Count    int
}

// Outcome classifies a finished run.
type Outcome int

// Run outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial success"
	default:
		return "failure"
	}
}

// Acceptable reports whether the run should exit cleanly.
func (o Outcome) Acceptable() bool {
	return o == OutcomeSuccess || o == OutcomePartial
}

// Summary is the result of one pipeline run.
type Summary struct {
	StartedAt         time.Time
	RunID             string
	Errors            []error
	Stages            []StageResult
	Duration          time.Duration
	TotalProcessed    int
	SuccessfulUpdates int
	Skipped           int
	InvalidCount      int
	Collected         int
	Inserted          int
	Updated           int
	Enriched          int
	StoreSize         int
	Success           bool
	Interrupted       bool
}

// SuccessRatio returns successful/processed, or 1 when nothing was processed.
func (s *Summary) SuccessRatio() float64 {
	if s.TotalProcessed == 0 {
		return 1
	}

	return float64(s.SuccessfulUpdates) / float64(s.TotalProcessed)
}

// Classify applies the run success policy: no errors is a success, a ratio of
// at least PartialSuccessThreshold is a partial success, anything else fails.
// Errors with nothing processed count as a failure.
func (s *Summary) Classify() Outcome {
	if len(s.Errors) == 0 {
		return OutcomeSuccess
	}

	if s.TotalProcessed == 0 {
		return OutcomeFailure
	}

	if s.SuccessRatio() >= PartialSuccessThreshold {
		return OutcomePartial
	}

	return OutcomeFailure
}

// Stage returns the result recorded for name.
func (s *Summary) Stage(name Stage) (StageResult, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}

	return StageResult{}, false
}

func (s *Summary) addError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}
