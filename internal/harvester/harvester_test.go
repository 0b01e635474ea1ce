package harvester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
)

var errEnrich = errors.New("enrich failed")

// MockEnricher implements the Enricher interface for testing.
type MockEnricher struct {
	EnrichFunc func(ctx context.Context, name, address string) (*models.FacilityRecord, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockEnricher) Enrich(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
	m.mu.Unlock()

	if m.EnrichFunc != nil {
		return m.EnrichFunc(ctx, name, address)
	}

	rec := &models.FacilityRecord{Name: name, Address: address}
	rec.SetAttr("phone", "555-"+name)

	return rec, nil
}

func (m *MockEnricher) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[name]
}

// drainAfter reports draining once n batches have been checked.
type drainAfter struct {
	n      int
	checks atomic.Int32
}

func (d *drainAfter) Draining() bool {
	return int(d.checks.Add(1)) > d.n
}

func testOptions() Options {
	return Options{
		BatchSize:             2,
		MaxConcurrentPerBatch: 2,
		PerTaskTimeout:        time.Second,
		BatchTimeout:          5 * time.Second,
		MaxRetries:            2,
	}
}

func facilities(n int) []models.FacilityRecord {
	out := make([]models.FacilityRecord, n)
	for i := range out {
		out[i] = models.FacilityRecord{Name: fmt.Sprintf("gym-%d", i+1), Address: fmt.Sprintf("%d Main St", i+1)}
	}

	return out
}

func quietLogger() *logger.Logger {
	return logger.NewLogger("error")
}

func TestHarvester_PartialFailureIsolation(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		if name == "gym-3" {
			return nil, errEnrich
		}

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	result, err := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(5))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Processed != 5 {
		t.Errorf("Processed = %d, want 5", result.Processed)
	}

	if len(result.Errors) < 1 {
		t.Fatal("Expected at least one error")
	}

	if !errors.Is(result.Errors[0], errEnrich) || !strings.Contains(result.Errors[0].Error(), "gym-3") {
		t.Errorf("Error not attributed to gym-3: %v", result.Errors[0])
	}

	if result.Succeeded != 4 || result.Batches != 3 {
		t.Errorf("Succeeded=%d Batches=%d, want 4/3", result.Succeeded, result.Batches)
	}

	if mock.Calls("gym-5") != 1 {
		t.Error("Candidate in the batch after the failure was not attempted")
	}

	if mock.Calls("gym-3") != 3 {
		t.Errorf("gym-3 attempts = %d, want 1 + 2 retries", mock.Calls("gym-3"))
	}
}

func TestHarvester_ResultsFollowInputOrder(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		// Earlier items finish later.
		var n int
		fmt.Sscanf(name, "gym-%d", &n)
		time.Sleep(time.Duration(10-n) * 3 * time.Millisecond)

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	opts := testOptions()
	opts.BatchSize = 4
	opts.MaxConcurrentPerBatch = 4

	result, err := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(8))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i, rec := range result.Enriched {
		if want := fmt.Sprintf("gym-%d", i+1); rec.Name != want {
			t.Errorf("Enriched[%d] = %s, want %s", i, rec.Name, want)
		}
	}
}

func TestHarvester_EnrichedIdentityComesFromInput(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		return &models.FacilityRecord{Name: "Renamed", Address: "Elsewhere"}, nil
	}

	result, _ := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(1))

	if len(result.Enriched) != 1 || result.Enriched[0].Name != "gym-1" || result.Enriched[0].Address != "1 Main St" {
		t.Errorf("Unexpected enriched identity: %+v", result.Enriched)
	}
}

func TestHarvester_NothingFoundIsSuccess(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		return nil, nil
	}

	result, _ := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(3))

	if result.Succeeded != 3 || len(result.Enriched) != 0 || len(result.Errors) != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestHarvester_TaskTimeoutCancelsWork(t *testing.T) {
	var cancelled atomic.Int32

	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		if name != "gym-2" {
			return &models.FacilityRecord{Name: name, Address: address}, nil
		}

		<-ctx.Done()
		cancelled.Add(1)

		return nil, ctx.Err()
	}

	opts := testOptions()
	opts.PerTaskTimeout = 30 * time.Millisecond

	result, err := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], ErrTaskTimeout) {
		t.Fatalf("Expected one ErrTaskTimeout, got %v", result.Errors)
	}

	if mock.Calls("gym-2") != 1 {
		t.Errorf("Timeouts must not be retried, got %d calls", mock.Calls("gym-2"))
	}

	deadline := time.Now().Add(time.Second)
	for cancelled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if cancelled.Load() != 1 {
		t.Error("Enricher context was not cancelled on timeout")
	}

	if result.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", result.Succeeded)
	}
}

func TestHarvester_TaskTimeoutWithUncooperativeEnricher(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		time.Sleep(200 * time.Millisecond)

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	opts := testOptions()
	opts.PerTaskTimeout = 20 * time.Millisecond

	start := time.Now()

	result, _ := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(1))

	if time.Since(start) > 150*time.Millisecond {
		t.Error("Harvester waited for an enricher that ignored its deadline")
	}

	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], ErrTaskTimeout) {
		t.Errorf("Expected ErrTaskTimeout, got %v", result.Errors)
	}
}

func TestHarvester_BatchTimeoutIsOneErrorAndContinues(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		if name == "gym-1" || name == "gym-2" {
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	opts := testOptions()
	opts.PerTaskTimeout = time.Second
	opts.BatchTimeout = 40 * time.Millisecond

	result, err := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], ErrBatchTimeout) {
		t.Fatalf("Expected one aggregate ErrBatchTimeout, got %v", result.Errors)
	}

	if result.Processed != 4 || result.Succeeded != 2 || result.Batches != 2 {
		t.Errorf("Processed=%d Succeeded=%d Batches=%d, want 4/2/2", result.Processed, result.Succeeded, result.Batches)
	}
}

func TestHarvester_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32

	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		if attempts.Add(1) < 3 {
			return nil, errEnrich
		}

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	result, _ := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(1))

	if result.Succeeded != 1 || len(result.Errors) != 0 {
		t.Errorf("Expected success after retries, got %+v", result)
	}
}

func TestHarvester_RetriesBackOff(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)

	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()

		return nil, errEnrich
	}

	opts := testOptions()
	opts.Retry = config.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 30, MaxDelayMs: 30, BackoffMultiplier: 1}

	result, _ := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(1))

	if len(result.Errors) != 1 {
		t.Fatalf("Expected one error, got %v", result.Errors)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(times) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(times))
	}

	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 25*time.Millisecond {
			t.Errorf("Attempt %d followed after %s, expected a backoff delay", i+1, gap)
		}
	}
}

func TestHarvester_EnricherPanicIsItemError(t *testing.T) {
	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		if name == "gym-2" {
			var attrs map[string]any
			attrs["phone"] = "boom"
		}

		return &models.FacilityRecord{Name: name, Address: address}, nil
	}

	result, err := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Succeeded != 2 || len(result.Errors) != 1 {
		t.Fatalf("Expected 2 successes and 1 error, got %+v", result)
	}

	if !errors.Is(result.Errors[0], ErrTaskPanic) {
		t.Errorf("Expected ErrTaskPanic, got %v", result.Errors[0])
	}

	if mock.Calls("gym-2") != 1 {
		t.Errorf("Panicking task should not be retried, got %d calls", mock.Calls("gym-2"))
	}
}

func TestHarvester_SkipsInvalidCandidates(t *testing.T) {
	records := facilities(3)
	records[1].Name = "   "
	records[2].Address = strings.Repeat("a", 501)

	mock := &MockEnricher{}

	result, _ := New(mock, testOptions(), nil, quietLogger()).Run(context.Background(), records)

	if result.Skipped != 2 || result.Processed != 1 || len(result.Errors) != 0 {
		t.Errorf("Skipped=%d Processed=%d Errors=%d, want 2/1/0", result.Skipped, result.Processed, len(result.Errors))
	}

	if mock.Calls("   ") != 0 {
		t.Error("Invalid candidate was sent to the enricher")
	}
}

func TestHarvester_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32

	mock := &MockEnricher{}
	mock.EnrichFunc = func(ctx context.Context, name, address string) (*models.FacilityRecord, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		return nil, nil
	}

	opts := testOptions()
	opts.BatchSize = 6
	opts.MaxConcurrentPerBatch = 3

	if _, err := New(mock, opts, nil, quietLogger()).Run(context.Background(), facilities(12)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if peak.Load() > 3 {
		t.Errorf("Peak concurrency %d exceeds limit 3", peak.Load())
	}
}

func TestHarvester_StopsWhenDraining(t *testing.T) {
	mock := &MockEnricher{}
	lifecycle := &drainAfter{n: 1}

	result, err := New(mock, testOptions(), lifecycle, quietLogger()).Run(context.Background(), facilities(6))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Interrupted || result.Batches != 1 || result.Processed != 2 {
		t.Errorf("Interrupted=%v Batches=%d Processed=%d, want true/1/2", result.Interrupted, result.Batches, result.Processed)
	}

	if mock.Calls("gym-3") != 0 {
		t.Error("A batch was started while draining")
	}
}

func TestHarvester_InterBatchDelayAndCancel(t *testing.T) {
	opts := testOptions()
	opts.InterBatchDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())

	mock := &MockEnricher{}
	mock.EnrichFunc = func(c context.Context, name, address string) (*models.FacilityRecord, error) {
		cancel()

		return nil, nil
	}

	done := make(chan *Result, 1)

	go func() {
		result, _ := New(mock, opts, nil, quietLogger()).Run(ctx, facilities(4))
		done <- result
	}()

	select {
	case result := <-done:
		if !result.Interrupted || result.Batches != 1 {
			t.Errorf("Interrupted=%v Batches=%d, want true/1", result.Interrupted, result.Batches)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Inter-batch delay ignored cancellation")
	}
}

func TestHarvester_MemoryHintEveryTenBatches(t *testing.T) {
	h := New(&MockEnricher{}, testOptions(), nil, quietLogger())

	var hints int
	h.gc = func() { hints++ }

	result, _ := h.Run(context.Background(), facilities(41))

	if result.Batches != 21 || hints != 2 {
		t.Errorf("Batches=%d hints=%d, want 21/2", result.Batches, hints)
	}
}

func TestHarvester_InvalidSetup(t *testing.T) {
	if _, err := New(nil, testOptions(), nil, quietLogger()).Run(context.Background(), facilities(1)); !errors.Is(err, ErrNoEnricher) {
		t.Errorf("Expected ErrNoEnricher, got %v", err)
	}

	opts := testOptions()
	opts.BatchSize = 0

	if _, err := New(&MockEnricher{}, opts, nil, quietLogger()).Run(context.Background(), facilities(1)); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Expected ErrInvalidOptions, got %v", err)
	}
}

func TestHarvester_EmptyInput(t *testing.T) {
	result, err := New(&MockEnricher{}, testOptions(), nil, quietLogger()).Run(context.Background(), nil)
	if err != nil || result.Processed != 0 || result.Batches != 0 {
		t.Errorf("Unexpected result for empty input: %+v, %v", result, err)
	}
}
