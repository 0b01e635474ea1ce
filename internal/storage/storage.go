// Package storage persists the facility registry file with retrying reads and
// atomic writes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"facilitysync/internal/config"
	"facilitysync/internal/logger"
	"facilitysync/internal/models"
)

// MaxFileBytes is the hard cap on the persisted registry size.
const MaxFileBytes int64 = 100 * 1024 * 1024

// Storage errors.
var (
	ErrReadFailed   = errors.New("registry read failed")
	ErrWriteFailed  = errors.New("registry write failed")
	ErrFileTooLarge = errors.New("registry exceeds maximum file size")
)

// Manager reads and writes registry files.
type Manager struct {
	retry        config.RetryPolicy
	logger       *logger.Logger
	maxFileBytes int64

	// test hooks
	rename func(oldpath, newpath string) error
	sync   func(f *os.File) error
}

// NewManager creates a storage manager using the given retry policy.
func NewManager(retry config.RetryPolicy, log *logger.Logger) *Manager {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	return &Manager{
		retry:        retry,
		logger:       log,
		maxFileBytes: MaxFileBytes,
		rename:       os.Rename,
		sync:         func(f *os.File) error { return f.Sync() },
	}
}

// WithMaxFileBytes overrides the size cap.
func (m *Manager) WithMaxFileBytes(n int64) *Manager {
	m.maxFileBytes = n

	return m
}

// EnsureDirectory creates dir and its parents if they do not exist.
func (m *Manager) EnsureDirectory(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return nil
}

// Read returns the file content, retrying transient failures with backoff.
// A missing file is reported at once and wraps fs.ErrNotExist.
func (m *Manager) Read(ctx context.Context, path string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		if err := sleepCtx(ctx, m.retry.GetRetryDelay(attempt)); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}

		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}

		lastErr = err
		m.warn("registry read attempt failed", "path", path, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrReadFailed, path, m.retry.MaxAttempts, lastErr)
}

// Write atomically replaces path with data. The content goes to a sibling
// temporary file which is renamed over the target; on failure the temporary
// file is removed and the target keeps its previous content.
func (m *Manager) Write(ctx context.Context, path string, data []byte) error {
	if int64(len(data)) > m.maxFileBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, len(data), m.maxFileBytes)
	}

	if err := m.EnsureDirectory(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	var lastErr error

	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		if err := sleepCtx(ctx, m.retry.GetRetryDelay(attempt)); err != nil {
			return err
		}

		err := m.writeOnce(path, data)
		if err == nil {
			return nil
		}

		lastErr = err
		m.warn("registry write attempt failed", "path", path, "attempt", attempt, "error", err)
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteFailed, path, m.retry.MaxAttempts, lastErr)
}

func (m *Manager) writeOnce(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	closed := false

	defer func() {
		if err == nil {
			return
		}

		if !closed {
			_ = tmp.Close()
		}

		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err = m.sync(tmp); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	closed = true
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err = m.rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// LoadResult describes a decoded registry file.
type LoadResult struct {
	Records   []models.FacilityRecord
	Undecoded int
	Missing   bool
}

// LoadRecords reads the registry. A missing file yields an empty set. Entries
// whose identity fields have the wrong type are dropped and counted.
func (m *Manager) LoadRecords(ctx context.Context, path string) (LoadResult, error) {
	data, err := m.Read(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadResult{Missing: true}, nil
	}

	if err != nil {
		return LoadResult{}, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return LoadResult{}, fmt.Errorf("%w: %s is not a JSON array: %w", ErrReadFailed, path, err)
	}

	result := LoadResult{Records: make([]models.FacilityRecord, 0, len(raw))}

	for i, item := range raw {
		var rec models.FacilityRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			result.Undecoded++
			m.warn("dropping undecodable registry entry", "index", i, "error", err)

			continue
		}

		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// SaveRecords encodes records as a JSON array and writes them atomically.
func (m *Manager) SaveRecords(ctx context.Context, path string, records []models.FacilityRecord, pretty bool) error {
	if records == nil {
		records = []models.FacilityRecord{}
	}

	var (
		data []byte
		err  error
	)

	if pretty {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}

	if err != nil {
		return fmt.Errorf("%w: failed to marshal JSON: %w", ErrWriteFailed, err)
	}

	return m.Write(ctx, path, data)
}

// Backup copies the current registry to path + ".bak". A missing registry is
// not an error.
func (m *Manager) Backup(ctx context.Context, path string) (string, error) {
	data, err := m.Read(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	backupPath := path + ".bak"
	if err := m.Write(ctx, backupPath, data); err != nil {
		return "", err
	}

	return backupPath, nil
}

func (m *Manager) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
