// Package config provides configuration management for the facility refresh pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration validation errors.
var (
	ErrMissingRegistryEndpoint  = errors.New("registry.endpoint is required when stages.read_api is enabled")
	ErrMissingCrawlerBaseURL    = errors.New("crawler.base_url is required when stages.crawl is enabled")
	ErrInvalidBatchSize         = errors.New("harvest.batch_size must be at least 1")
	ErrInvalidConcurrency       = errors.New("harvest.max_concurrent_per_batch must be at least 1")
	ErrInvalidTaskTimeout       = errors.New("harvest.per_task_timeout must be positive")
	ErrInvalidBatchTimeout      = errors.New("harvest.batch_timeout must be positive")
	ErrInvalidInterBatchDelay   = errors.New("harvest.inter_batch_delay must be non-negative")
	ErrInvalidHarvestRetries    = errors.New("harvest.max_retries must be non-negative")
	ErrInvalidMaxAttempts       = errors.New("retry.max_attempts must be at least 1")
	ErrInvalidInitialDelay      = errors.New("retry.initial_delay_ms must be non-negative")
	ErrInvalidBackoffMultiplier = errors.New("retry.backoff_multiplier must be >= 1.0")
	ErrMissingOutputPath        = errors.New("output.path is required")
	ErrNoOutputMode             = errors.New("output.persist_to_file or output.persist_to_relational must be enabled")
	ErrInvalidEviction          = errors.New("merge.eviction must be one of: input-order, oldest-updated, oldest-created")
	ErrInvalidLogLevel          = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidHardStop          = errors.New("shutdown.hard_stop_timeout must be positive")
)

// Eviction policies for the existing-store cap.
const (
	EvictionInputOrder    = "input-order"
	EvictionOldestUpdated = "oldest-updated"
	EvictionOldestCreated = "oldest-created"
)

// Config represents the complete pipeline configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Crawler  CrawlerConfig  `yaml:"crawler"`
	Harvest  HarvestConfig  `yaml:"harvest"`
	Retry    RetryPolicy    `yaml:"retry"`
	Stages   StagesConfig   `yaml:"stages"`
	Output   OutputConfig   `yaml:"output"`
	Merge    MergeConfig    `yaml:"merge"`
	Logging  LoggingConfig  `yaml:"logging"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// RegistryConfig describes the bulk facility registry API.
type RegistryConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	PageSize int      `yaml:"page_size"`
	Timeout  Duration `yaml:"timeout"`
}

// CrawlerConfig describes the per-facility detail crawl.
type CrawlerConfig struct {
	BaseURL           string   `yaml:"base_url"`
	UserAgent         string   `yaml:"user_agent"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	Timeout           Duration `yaml:"timeout"`
}

// HarvestConfig controls batching, concurrency and deadlines of the enrichment stage.
type HarvestConfig struct {
	BatchSize             int      `yaml:"batch_size"`
	MaxConcurrentPerBatch int      `yaml:"max_concurrent_per_batch"`
	PerTaskTimeout        Duration `yaml:"per_task_timeout"`
	BatchTimeout          Duration `yaml:"batch_timeout"`
	InterBatchDelay       Duration `yaml:"inter_batch_delay"`
	MaxRetries            int      `yaml:"max_retries"`
}

// RetryPolicy defines retry behavior for storage and HTTP access.
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// StagesConfig holds per-stage enable flags.
type StagesConfig struct {
	ReadAPI      bool `yaml:"read_api"`
	Crawl        bool `yaml:"crawl"`
	RawPersist   bool `yaml:"raw_persist"`
	QualityCheck bool `yaml:"quality_check"`
}

// OutputConfig defines where the registry is persisted.
type OutputConfig struct {
	Path                string `yaml:"path"`
	MetricsFile         string `yaml:"metrics_file"`
	PersistToFile       bool   `yaml:"persist_to_file"`
	PersistToRelational bool   `yaml:"persist_to_relational"`
	PrettyPrint         bool   `yaml:"pretty_print"`
	CreateBackup        bool   `yaml:"create_backup"`
}

// MergeConfig tunes the merge engine.
type MergeConfig struct {
	Eviction string `yaml:"eviction"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Dir       string `yaml:"dir"`
	ErrorFile string `yaml:"error_file"`
}

// ShutdownConfig controls graceful drain.
type ShutdownConfig struct {
	HardStopTimeout Duration `yaml:"hard_stop_timeout"`
}

// Default returns a configuration with every knob set to its default value.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			PageSize: 500,
			Timeout:  DurationFrom(30 * time.Second),
		},
		Crawler: CrawlerConfig{
			UserAgent:         "facilitysync/1.0",
			RequestsPerSecond: 5,
			Burst:             5,
			MaxBodyBytes:      5 * 1024 * 1024,
			Timeout:           DurationFrom(20 * time.Second),
		},
		Harvest: HarvestConfig{
			BatchSize:             10,
			MaxConcurrentPerBatch: 10,
			PerTaskTimeout:        DurationFrom(30 * time.Second),
			BatchTimeout:          DurationFrom(5 * time.Minute),
			InterBatchDelay:       DurationFrom(2 * time.Second),
			MaxRetries:            2,
		},
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialDelayMs:    500,
			MaxDelayMs:        10000,
			BackoffMultiplier: 2.0,
		},
		Stages: StagesConfig{
			ReadAPI:      true,
			Crawl:        true,
			RawPersist:   true,
			QualityCheck: true,
		},
		Output: OutputConfig{
			Path:          "data/facilities.json",
			PersistToFile: true,
			PrettyPrint:   true,
		},
		Merge: MergeConfig{
			Eviction: EvictionInputOrder,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		Shutdown: ShutdownConfig{
			HardStopTimeout: DurationFrom(30 * time.Second),
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default.
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applySecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applySecrets fills credentials that should not live in the YAML file.
func (c *Config) applySecrets() {
	if key := os.Getenv("REGISTRY_API_KEY"); key != "" && c.Registry.APIKey == "" {
		c.Registry.APIKey = key
	}
}

// SaveConfig saves configuration to YAML file.
func (c *Config) SaveConfig(filepath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Stages.ReadAPI && strings.TrimSpace(c.Registry.Endpoint) == "" {
		return ErrMissingRegistryEndpoint
	}

	if c.Stages.Crawl && strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return ErrMissingCrawlerBaseURL
	}

	// Validate harvest settings
	if c.Harvest.BatchSize < 1 {
		return ErrInvalidBatchSize
	}

	if c.Harvest.MaxConcurrentPerBatch < 1 {
		return ErrInvalidConcurrency
	}

	if c.Harvest.PerTaskTimeout.Duration <= 0 {
		return ErrInvalidTaskTimeout
	}

	if c.Harvest.BatchTimeout.Duration <= 0 {
		return ErrInvalidBatchTimeout
	}

	if c.Harvest.InterBatchDelay.Duration < 0 {
		return ErrInvalidInterBatchDelay
	}

	if c.Harvest.MaxRetries < 0 {
		return ErrInvalidHarvestRetries
	}

	// Validate retry policy
	if c.Retry.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	if c.Retry.InitialDelayMs < 0 {
		return ErrInvalidInitialDelay
	}

	if c.Retry.BackoffMultiplier < 1.0 {
		return ErrInvalidBackoffMultiplier
	}

	// Validate output config
	if c.Output.Path == "" {
		return ErrMissingOutputPath
	}

	if !c.Output.PersistToFile && !c.Output.PersistToRelational {
		return ErrNoOutputMode
	}

	switch c.Merge.Eviction {
	case "", EvictionInputOrder, EvictionOldestUpdated, EvictionOldestCreated:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEviction, c.Merge.Eviction)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return ErrInvalidLogLevel
	}

	if c.Shutdown.HardStopTimeout.Duration <= 0 {
		return ErrInvalidHardStop
	}

	return nil
}

// EffectiveConcurrency is the number of tasks a single batch may run at once.
func (h HarvestConfig) EffectiveConcurrency() int {
	if h.MaxConcurrentPerBatch < h.BatchSize {
		return h.MaxConcurrentPerBatch
	}

	return h.BatchSize
}

// GetRetryDelay calculates exponential backoff delay for attempt number.
func (rp *RetryPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delayMs := float64(rp.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delayMs *= rp.BackoffMultiplier
	}

	// Cap at max delay
	if rp.MaxDelayMs > 0 && int(delayMs) > rp.MaxDelayMs {
		delayMs = float64(rp.MaxDelayMs)
	}

	return time.Duration(int(delayMs)) * time.Millisecond
}

// String returns a string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Output: %s, BatchSize: %d, Concurrency: %d, Stages: api=%t crawl=%t raw=%t qc=%t}",
		c.Output.Path,
		c.Harvest.BatchSize,
		c.Harvest.EffectiveConcurrency(),
		c.Stages.ReadAPI,
		c.Stages.Crawl,
		c.Stages.RawPersist,
		c.Stages.QualityCheck,
	)
}
