// Package main provides the seed command-line tool for preparing a local
// facility registry. It either generates synthetic facilities or pulls a
// snapshot from the registry API once it is healthy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/merge"
	"facilitysync/internal/models"
	"facilitysync/internal/normalizer"
	"facilitysync/internal/registry"
	"facilitysync/internal/storage"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
)

// Config holds the seeder configuration.
type Config struct {
	ConfigPath    string
	OutputPath    string
	Count         int
	FromAPI       bool
	HealthTimeout time.Duration
}

func logInfo(msg string) {
	fmt.Printf("%s[SEEDER]%s %s\n", colorGreen, colorReset, msg)
}

func logWarn(msg string) {
	fmt.Printf("%s[SEEDER]%s %s\n", colorYellow, colorReset, msg)
}

func logError(msg string) {
	fmt.Printf("%s[SEEDER]%s %s\n", colorRed, colorReset, msg)
}

func main() {
	seedCfg := parseConfig()

	cfg := config.Default()

	if seedCfg.ConfigPath != "" {
		loaded, err := config.LoadConfig(seedCfg.ConfigPath)
		if err != nil {
			logError(err.Error())
			os.Exit(1)
		}

		cfg = loaded
	}

	if seedCfg.OutputPath != "" {
		cfg.Output.Path = seedCfg.OutputPath
	}

	log := logger.NewLogger("warn")
	ctx := context.Background()

	var candidates []models.Candidate

	if seedCfg.FromAPI {
		if !waitForRegistry(cfg.Registry.Endpoint, seedCfg.HealthTimeout) {
			logError("Aborting seeding - registry API not available")
			os.Exit(1)
		}

		fetched, err := registry.NewHTTPClient(cfg.Registry, cfg.Retry, cfg.Crawler.UserAgent, log).FetchAll(ctx)
		if err != nil {
			logError(fmt.Sprintf("Registry fetch failed: %v", err))
			os.Exit(1)
		}

		candidates = fetched
	} else {
		candidates = synthetic(seedCfg.Count)
	}

	processed := normalizer.NewProcessor().ProcessAll(candidates)
	if processed.InvalidCount > 0 {
		logWarn(fmt.Sprintf("Discarded %d invalid candidates", processed.InvalidCount))
	}

	store := storage.NewManager(cfg.Retry, log)

	current, err := store.LoadRecords(ctx, cfg.Output.Path)
	if err != nil {
		logError(fmt.Sprintf("Existing registry is unreadable, refusing to overwrite: %v", err))
		os.Exit(1)
	}

	result := merge.NewEngine(merge.Options{Eviction: cfg.Merge.Eviction}).
		Merge(current.Records, processed.Records, time.Now().UTC())

	if result.TruncatedExisting > 0 || result.TruncatedIncoming > 0 {
		logWarn(fmt.Sprintf("Registry cap reached: dropped %d existing and %d new records",
			result.TruncatedExisting, result.TruncatedIncoming))
	}

	if err := store.SaveRecords(ctx, cfg.Output.Path, result.Records, cfg.Output.PrettyPrint); err != nil {
		logError(fmt.Sprintf("Write failed: %v", err))
		os.Exit(1)
	}

	logInfo("===========================================")
	logInfo(fmt.Sprintf("Seeded %s: %d inserted, %d updated, %d total",
		cfg.Output.Path, result.Inserted, result.Updated, len(result.Records)))
	logInfo("===========================================")
}

func parseConfig() Config {
	configPath := flag.String("config", "", "Refresher config path (optional)")
	output := flag.String("output", "", "Registry file to seed (default: output.path)")
	count := flag.Int("count", 100, "Number of synthetic facilities")
	fromAPI := flag.Bool("from-api", false, "Seed from the registry API instead of synthetic data")
	healthTimeout := flag.Duration("health-timeout", 60*time.Second, "Registry API health check timeout")
	flag.Parse()

	return Config{
		ConfigPath:    *configPath,
		OutputPath:    *output,
		Count:         *count,
		FromAPI:       *fromAPI,
		HealthTimeout: *healthTimeout,
	}
}

// synthetic builds count distinct facilities.
func synthetic(count int) []models.Candidate {
	amenities := []any{"Free weights", "Cardio", "Sauna", "Pool", "Classes"}

	out := make([]models.Candidate, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, models.Candidate{
			models.FieldName:    fmt.Sprintf("Seed Gym %05d", i),
			models.FieldAddress: fmt.Sprintf("%d Example Street", i),
			"category":          "gym",
			"amenities":         amenities[:1+i%len(amenities)],
		})
	}

	return out
}

func waitForRegistry(endpoint string, timeout time.Duration) bool {
	startTime := time.Now()
	logInfo(fmt.Sprintf("Waiting for registry API at %s...", endpoint))

	client := &http.Client{Timeout: 5 * time.Second}

	for {
		resp, err := client.Get(endpoint)
		if err == nil {
			statusCode := resp.StatusCode
			if closeErr := resp.Body.Close(); closeErr != nil {
				logWarn(fmt.Sprintf("Failed to close response body: %v", closeErr))
			}

			if statusCode >= 200 && statusCode < 400 {
				logInfo(fmt.Sprintf("Registry API is ready! (HTTP %d)", statusCode))

				return true
			}
		}

		if time.Since(startTime) >= timeout {
			logError(fmt.Sprintf("Registry API not ready within %v", timeout))

			return false
		}

		fmt.Print(".")
		time.Sleep(2 * time.Second)
	}
}
