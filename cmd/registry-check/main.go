// Command registry-check verifies a persisted facility registry against its
// invariants without modifying it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/merge"
	"facilitysync/internal/pipeline"
	"facilitysync/internal/report"
	"facilitysync/internal/storage"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry-check", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to the YAML configuration (uses output.path and retry)")
	filePath := fs.String("file", "", "Registry file to check (overrides the config)")
	maxItems := fs.Int("max-items", merge.MaxItems, "Maximum number of records allowed")
	verbose := fs.Bool("verbose", false, "Log each invalid record")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logger.New("warn", logger.Options{Output: stderr})
	if *verbose {
		log.SetLevel("debug")
	}

	cfg := config.Default()

	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Error(fmt.Sprintf("❌ %v", err))

			return 1
		}

		cfg = loaded
	}

	path := cfg.Output.Path
	if *filePath != "" {
		path = *filePath
	}

	loaded, err := storage.NewManager(cfg.Retry, log).LoadRecords(context.Background(), path)
	if err != nil {
		log.Error(fmt.Sprintf("❌ Cannot read registry: %v", err))

		return 1
	}

	if loaded.Missing {
		log.Warn("⚠️  Registry file does not exist", "path", path)
	}

	qr := pipeline.CheckRecords(loaded.Records, *maxItems)
	qr.Undecoded = loaded.Undecoded

	for _, invalid := range qr.Invalid {
		log.Debug("Invalid record", "error", invalid)
	}

	fmt.Fprintf(stdout, "🔍 %s\n\n", path)

	for _, line := range report.Table([][]string{
		{"Check", "Result"},
		{"Records", fmt.Sprint(qr.Total)},
		{"Limit", fmt.Sprint(qr.MaxItems)},
		{"Duplicate keys", fmt.Sprint(len(qr.DuplicateKeys))},
		{"Invalid records", fmt.Sprint(len(qr.Invalid))},
		{"Undecodable entries", fmt.Sprint(qr.Undecoded)},
	}) {
		fmt.Fprintln(stdout, line)
	}

	violations := qr.Violations()
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "\n⚠️  %d violations:\n", len(violations))

		for _, v := range violations {
			fmt.Fprintf(stdout, "  - %v\n", v)
		}

		return 1
	}

	fmt.Fprintln(stdout, "\n✅ Registry is consistent")

	return 0
}
