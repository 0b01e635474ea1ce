// Package main provides the refresher command that reconciles the facility
// registry against the registry API and the detail crawl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"facilitysync/internal/config"
	"facilitysync/internal/crawler"
	"facilitysync/internal/harvester"
	"facilitysync/internal/logger"
	"facilitysync/internal/metrics"
	"facilitysync/internal/pipeline"
	"facilitysync/internal/registry"
	"facilitysync/internal/report"
	"facilitysync/internal/storage"
	"facilitysync/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/refresher.yaml", "Path to the YAML configuration")
	logLevel := flag.String("log-level", "", "Override logging.level (debug, info, warn, error)")
	reportPath := flag.String("report", "", "Also write the markdown run report to this file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)

		return supervisor.ExitFailure
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	runID := uuid.NewString()

	log := logger.New(cfg.Logging.Level, logOptions(cfg, runID))
	defer log.Close()

	log = log.With("run_id", runID)

	enricher, err := newEnricher(cfg, log)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Crawler setup failed: %v", err))

		return supervisor.ExitFailure
	}

	deps := pipeline.Deps{
		Registry: newRegistry(cfg, log),
		Enricher: enricher,
		Store:    storage.NewManager(cfg.Retry, log),
		Logger:   log,
		RunID:    runID,
	}

	sup := supervisor.New(cfg.Shutdown.HardStopTimeout.Duration, log)

	res := sup.Run(context.Background(), func(ctx context.Context, lc *supervisor.Lifecycle) (*pipeline.Summary, error) {
		deps.Lifecycle = lc

		return pipeline.New(cfg, deps).Run(ctx)
	})

	if res.Summary != nil {
		publish(cfg, res.Summary, *reportPath, log)
	}

	if res.Code == supervisor.ExitOK {
		log.Info("✨ Refresh complete", "state", res.State, "drained", res.Drained)
	} else {
		log.Error("❌ Refresh failed", "state", res.State, "error", res.Err)
	}

	return res.Code
}

func logOptions(cfg *config.Config, runID string) logger.Options {
	opts := logger.Options{}

	if cfg.Logging.Dir != "" {
		opts.RunLogPath = filepath.Join(cfg.Logging.Dir, fmt.Sprintf("run-%s.log", runID))
	}

	if cfg.Logging.ErrorFile != "" {
		opts.ErrorLogPath = cfg.Logging.ErrorFile
		if !filepath.IsAbs(opts.ErrorLogPath) && cfg.Logging.Dir != "" {
			opts.ErrorLogPath = filepath.Join(cfg.Logging.Dir, opts.ErrorLogPath)
		}
	}

	return opts
}

// newRegistry returns nil when the API stage is off so the interface stays nil.
func newRegistry(cfg *config.Config, log *logger.Logger) registry.Client {
	if !cfg.Stages.ReadAPI {
		return nil
	}

	return registry.NewHTTPClient(cfg.Registry, cfg.Retry, cfg.Crawler.UserAgent, log)
}

func newEnricher(cfg *config.Config, log *logger.Logger) (harvester.Enricher, error) {
	if !cfg.Stages.Crawl {
		return nil, nil
	}

	return crawler.NewDetailClient(cfg.Crawler, cfg.Retry, log)
}

// publish prints the run report and exports metrics. Neither can fail the run.
func publish(cfg *config.Config, summary *pipeline.Summary, reportPath string, log *logger.Logger) {
	rendered := report.Render(summary)

	fmt.Println()
	fmt.Print(rendered)

	if reportPath != "" {
		if err := os.WriteFile(reportPath, []byte(rendered), 0644); err != nil {
			log.Warn("⚠️  Failed to write report", "path", reportPath, "error", err)
		}
	}

	recorder := metrics.NewRecorder()
	recorder.Record(summary)

	if err := recorder.WriteFile(cfg.Output.MetricsFile); err != nil {
		log.Warn("⚠️  Failed to write metrics", "path", cfg.Output.MetricsFile, "error", err)
	}
}
