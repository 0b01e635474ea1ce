// Package metrics exports run counters in the Prometheus text format for the
// node exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"facilitysync/internal/pipeline"
)

const namespace = "facilitysync"

// Recorder accumulates pipeline summaries on a private registry.
type Recorder struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	processed   prometheus.Counter
	succeeded   prometheus.Counter
	errors      prometheus.Counter
	invalid     prometheus.Counter
	storeSize   prometheus.Gauge
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	lastRun     prometheus.Gauge
	stages      *prometheus.GaugeVec
	outcomes    *prometheus.CounterVec
}

// NewRecorder creates a recorder with every metric registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Facilities handed to the enrichment stage.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_succeeded_total",
			Help:      "Facilities whose enrichment completed without error.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors recorded across all stages.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_invalid_total",
			Help:      "Candidates or records discarded by validation.",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_records",
			Help:      "Records in the registry after the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 when the last run was accepted, 0 otherwise.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the last run.",
		}),
		stages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each stage in the last run.",
		}, []string{"stage", "status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by outcome.",
		}, []string{"outcome"}),
	}

	r.registry.MustRegister(
		r.processed, r.succeeded, r.errors, r.invalid,
		r.storeSize, r.duration, r.lastSuccess, r.lastRun,
		r.stages, r.outcomes,
	)

	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Record folds a summary into the metrics.
func (r *Recorder) Record(s *pipeline.Summary) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := s.Classify()

	r.processed.Add(float64(s.TotalProcessed))
	r.succeeded.Add(float64(s.SuccessfulUpdates))
	r.errors.Add(float64(len(s.Errors)))
	r.invalid.Add(float64(s.InvalidCount))
	r.storeSize.Set(float64(s.StoreSize))
	r.duration.Set(s.Duration.Seconds())
	r.lastRun.Set(float64(s.StartedAt.Unix()))
	r.outcomes.WithLabelValues(outcome.String()).Inc()

	if outcome.Acceptable() {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}

	r.stages.Reset()

	for _, st := range s.Stages {
		r.stages.WithLabelValues(string(st.Name), string(st.Status)).Set(st.Duration.Seconds())
	}
}

// WriteFile writes the metrics atomically to path in the text exposition
// format. An empty path is a no-op.
func (r *Recorder) WriteFile(path string) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}

	return nil
}
