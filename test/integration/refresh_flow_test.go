package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/crawler"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
	"facilitysync/internal/pipeline"
	"facilitysync/internal/registry"
	"facilitysync/internal/storage"
	"facilitysync/internal/supervisor"
)

const ironTemple = "Iron Temple"

func readFixture(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("..", "fixtures", name))
	if err != nil {
		t.Fatalf("Failed to read fixture: %v", err)
	}

	return data
}

// newRegistryServer serves the fixture on page 1 and nothing afterwards.
func newRegistryServer(t *testing.T, fail *atomic.Bool) *httptest.Server {
	t.Helper()

	page := readFixture(t, "registry_page.json")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write(page)

			return
		}

		_, _ = w.Write([]byte(`[]`))
	}))
}

// newDetailServer knows Iron Temple, fails for Broken Gym and has no page for
// anything else.
func newDetailServer(t *testing.T) *httptest.Server {
	t.Helper()

	page := readFixture(t, "detail_page.html")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("name") {
		case ironTemple:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write(page)
		case "Broken Gym":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
}

type env struct {
	cfg      *config.Config
	registry registry.Client
	enricher *crawler.DetailClient
	store    *storage.Manager
	log      *logger.Logger
}

func newEnv(t *testing.T, failRegistry *atomic.Bool) *env {
	t.Helper()

	regSrv := newRegistryServer(t, failRegistry)
	t.Cleanup(regSrv.Close)

	detailSrv := newDetailServer(t)
	t.Cleanup(detailSrv.Close)

	cfg := config.Default()
	cfg.Registry.Endpoint = regSrv.URL
	cfg.Registry.PageSize = 10
	cfg.Crawler.BaseURL = detailSrv.URL
	cfg.Crawler.RequestsPerSecond = 0
	cfg.Harvest.BatchSize = 2
	cfg.Harvest.InterBatchDelay = config.DurationFrom(0)
	cfg.Harvest.PerTaskTimeout = config.DurationFrom(5 * time.Second)
	cfg.Harvest.MaxRetries = 0
	cfg.Retry.MaxAttempts = 1
	cfg.Output.Path = filepath.Join(t.TempDir(), "data", "facilities.json")
	cfg.Output.CreateBackup = true

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}

	log := logger.NewLogger("error")

	enricher, err := crawler.NewDetailClient(cfg.Crawler, cfg.Retry, log)
	if err != nil {
		t.Fatalf("NewDetailClient failed: %v", err)
	}

	return &env{
		cfg:      cfg,
		registry: registry.NewHTTPClient(cfg.Registry, cfg.Retry, cfg.Crawler.UserAgent, log),
		enricher: enricher,
		store:    storage.NewManager(cfg.Retry, log),
		log:      log,
	}
}

func (e *env) run(t *testing.T, now time.Time) supervisor.Result {
	t.Helper()

	sup := supervisor.New(5*time.Second, e.log).WithSignals(make(chan os.Signal))

	return sup.Run(context.Background(), func(ctx context.Context, lc *supervisor.Lifecycle) (*pipeline.Summary, error) {
		return pipeline.New(e.cfg, pipeline.Deps{
			Registry:  e.registry,
			Enricher:  e.enricher,
			Store:     e.store,
			Lifecycle: lc,
			Logger:    e.log,
			Now:       func() time.Time { return now },
		}).Run(ctx)
	})
}

func (e *env) stored(t *testing.T) map[string]models.FacilityRecord {
	t.Helper()

	loaded, err := e.store.LoadRecords(context.Background(), e.cfg.Output.Path)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}

	out := make(map[string]models.FacilityRecord, len(loaded.Records))
	for _, rec := range loaded.Records {
		out[rec.Name] = rec
	}

	return out
}

func TestRefreshFlow_EndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	t1 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	res := e.run(t, t1)

	if res.Code != supervisor.ExitOK || res.Summary == nil {
		t.Fatalf("Expected exit 0, got %d (err %v)", res.Code, res.Err)
	}

	s := res.Summary

	if s.Collected != 5 || s.InvalidCount != 2 {
		t.Errorf("Collected=%d InvalidCount=%d, want 5/2", s.Collected, s.InvalidCount)
	}

	if s.TotalProcessed != 3 || s.SuccessfulUpdates != 2 || len(s.Errors) != 1 {
		t.Errorf("Processed=%d Successful=%d Errors=%v", s.TotalProcessed, s.SuccessfulUpdates, s.Errors)
	}

	if s.Classify() != pipeline.OutcomePartial {
		t.Errorf("Classify = %s, want partial success", s.Classify())
	}

	records := e.stored(t)
	if len(records) != 3 {
		t.Fatalf("Expected 3 stored records, got %d", len(records))
	}

	iron := records[ironTemple]

	if v, _ := iron.Attr(crawler.AttrPhone); v != "+1 555-0100" {
		t.Errorf("phone = %v", v)
	}

	if v, _ := iron.Attr(crawler.AttrWebsite); v != "https://irontemple.example" {
		t.Errorf("website = %v", v)
	}

	if v, _ := iron.Attr(crawler.AttrRating); v != 4.6 {
		t.Errorf("rating = %v", v)
	}

	if v, _ := iron.Attr(crawler.AttrAmenities); len(v.([]any)) != 2 {
		t.Errorf("amenities = %v", v)
	}

	if v, _ := iron.Attr("postcode"); v != "2000" {
		t.Errorf("Registry attribute lost: postcode = %v", v)
	}

	pulse := records["Pulse   Fitness"]
	if _, ok := pulse.Attr(crawler.AttrPhone); ok {
		t.Error("Facility without a detail page should not gain a phone")
	}

	if !iron.CreatedAt.Equal(t1) || !iron.UpdatedAt.Equal(t1) {
		t.Errorf("Timestamps = %v / %v, want %v", iron.CreatedAt, iron.UpdatedAt, t1)
	}
}

func TestRefreshFlow_SecondRunIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	t1 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	e.run(t, t1)
	first := e.stored(t)

	res := e.run(t, t2)
	if res.Code != supervisor.ExitOK {
		t.Fatalf("Second run failed: %d %v", res.Code, res.Err)
	}

	second := e.stored(t)

	if len(second) != len(first) {
		t.Fatalf("Record count changed: %d -> %d", len(first), len(second))
	}

	iron := second[ironTemple]

	if !iron.CreatedAt.Equal(t1) {
		t.Errorf("createdAt changed: %v", iron.CreatedAt)
	}

	if !iron.UpdatedAt.Equal(t2) {
		t.Errorf("updatedAt = %v, want %v", iron.UpdatedAt, t2)
	}

	if v, _ := iron.Attr(crawler.AttrPhone); v != "+1 555-0100" {
		t.Errorf("phone = %v", v)
	}

	if _, err := os.Stat(e.cfg.Output.Path + ".bak"); err != nil {
		t.Errorf("Expected backup from the second run: %v", err)
	}
}

func TestRefreshFlow_RegistryOutage(t *testing.T) {
	var fail atomic.Bool

	e := newEnv(t, &fail)
	t1 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	e.run(t, t1)

	fail.Store(true)

	res := e.run(t, t1.Add(time.Hour))
	if res.Summary == nil {
		t.Fatalf("Expected a summary, got err %v", res.Err)
	}

	collect, _ := res.Summary.Stage(pipeline.StageCollect)
	if collect.Status != pipeline.StatusDegraded {
		t.Errorf("Collect status = %s, want degraded", collect.Status)
	}

	// Existing facilities are still enriched from the stored registry.
	if res.Summary.TotalProcessed != 3 {
		t.Errorf("Processed = %d, want 3", res.Summary.TotalProcessed)
	}

	if got := len(e.stored(t)); got != 3 {
		t.Errorf("Registry should be untouched by the outage, got %d records", got)
	}
}
