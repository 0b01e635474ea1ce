// Package supervisor wraps a pipeline run with signal handling, fault
// recovery and the exit-status policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"facilitysync/internal/logger"
	"facilitysync/internal/pipeline"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// DefaultHardStop bounds how long a drain may take.
const DefaultHardStop = 30 * time.Second

// Supervisor errors.
var (
	ErrPanic    = errors.New("run panicked")
	ErrHardStop = errors.New("drain did not finish before the hard-stop deadline")
	ErrNoResult = errors.New("run returned no summary")
)

// State is the process lifecycle state.
type State int

// Lifecycle states.
const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Lifecycle holds the shared state. It is handed to the orchestrator, which
// stops scheduling new batches once Draining reports true.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// NewLifecycle returns a lifecycle in the running state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateRunning}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Draining reports whether new work must not be started.
func (l *Lifecycle) Draining() bool {
	return l.State() != StateRunning
}

// BeginDrain moves Running to Draining. It reports whether the state changed.
func (l *Lifecycle) BeginDrain() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateRunning {
		return false
	}

	l.state = StateDraining

	return true
}

// Stop moves to Stopped from any state.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
}

// RunFunc is the supervised unit of work.
type RunFunc func(ctx context.Context, lifecycle *Lifecycle) (*pipeline.Summary, error)

// Result is the supervised outcome of a run.
type Result struct {
	Summary *pipeline.Summary
	Err     error
	State   State
	Code    int
	Drained bool
}

// Supervisor runs a RunFunc and decides the process exit code.
type Supervisor struct {
	lifecycle *Lifecycle
	logger    *logger.Logger
	signals   <-chan os.Signal
	hardStop  time.Duration
}

// New creates a supervisor. A non-positive hardStop uses DefaultHardStop.
func New(hardStop time.Duration, log *logger.Logger) *Supervisor {
	if hardStop <= 0 {
		hardStop = DefaultHardStop
	}

	return &Supervisor{
		lifecycle: NewLifecycle(),
		logger:    log,
		hardStop:  hardStop,
	}
}

// WithSignals replaces OS signal delivery, for tests.
func (s *Supervisor) WithSignals(ch <-chan os.Signal) *Supervisor {
	s.signals = ch

	return s
}

// Lifecycle returns the supervised lifecycle.
func (s *Supervisor) Lifecycle() *Lifecycle {
	return s.lifecycle
}

type runOutcome struct {
	summary *pipeline.Summary
	err     error
}

// Run executes fn and returns once it finishes or the hard-stop timer fires.
// The first SIGINT or SIGTERM starts a drain; the run context is only
// cancelled when the hard stop fires.
func (s *Supervisor) Run(ctx context.Context, fn RunFunc) Result {
	signals := s.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

		defer signal.Stop(ch)

		signals = ch
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan runOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())}
			}
		}()

		summary, err := fn(runCtx, s.lifecycle)
		done <- runOutcome{summary: summary, err: err}
	}()

	var (
		hardStop <-chan time.Time
		drained  bool
		parent   = ctx.Done()
	)

	for {
		select {
		case out := <-done:
			s.lifecycle.Stop()

			return s.finish(out, drained)

		case sig := <-signals:
			hardStop = s.drain(fmt.Sprint(sig), hardStop)
			drained = true

		case <-parent:
			parent = nil
			hardStop = s.drain(ctx.Err().Error(), hardStop)
			drained = true

		case <-hardStop:
			cancel()
			s.lifecycle.Stop()
			s.logger.Fatal("❌ Hard stop: drain timed out", "timeout", s.hardStop)

			return Result{Err: ErrHardStop, State: StateStopped, Code: ExitFailure, Drained: true}
		}
	}
}

// drain starts the graceful shutdown once and arms the hard-stop timer.
func (s *Supervisor) drain(reason string, armed <-chan time.Time) <-chan time.Time {
	if !s.lifecycle.BeginDrain() {
		s.logger.Warn("⚠️  Already draining", "reason", reason)

		return armed
	}

	s.logger.Warn("⚠️  Shutdown requested, draining in-flight batch", "reason", reason, "hard_stop", s.hardStop)

	return time.After(s.hardStop)
}

func (s *Supervisor) finish(out runOutcome, drained bool) Result {
	res := Result{
		Summary: out.summary,
		Err:     out.err,
		State:   StateStopped,
		Drained: drained,
	}

	switch {
	case out.err != nil:
		s.logger.Fatal("❌ Run aborted", "error", out.err)

		res.Code = ExitFailure
	case out.summary == nil:
		res.Err = ErrNoResult
		res.Code = ExitFailure
	default:
		res.Code = ExitCode(out.summary, drained)
	}

	return res
}

// ExitCode applies the exit policy to a completed run: success, partial
// success and a completed drain exit 0, anything else exits 1.
func ExitCode(summary *pipeline.Summary, drained bool) int {
	if summary == nil {
		return ExitFailure
	}

	if drained || summary.Classify().Acceptable() {
		return ExitOK
	}

	return ExitFailure
}
