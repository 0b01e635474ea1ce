// Package logger provides logging utilities for the refresh pipeline.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Options configures a Logger beyond its level.
type Options struct {
	// Output is the primary sink. Defaults to os.Stderr.
	Output io.Writer
	// RunLogPath receives a best-effort copy of every record.
	RunLogPath string
	// ErrorLogPath receives fatal faults only.
	ErrorLogPath string
}

// Logger provides structured logging functionality.
type Logger struct {
	internal *slog.Logger
	errors   *slog.Logger
	level    *slog.LevelVar
	closers  []io.Closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new logger instance with the specified level.
func NewLogger(level string) *Logger {
	return New(level, Options{})
}

// New creates a logger writing to the primary sink and, when configured,
// to a per-run log file and a dedicated error log. File sinks never fail
// the caller: open and write errors are dropped.
func New(level string, opts Options) *Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))

	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
	}

	primary := opts.Output
	if primary == nil {
		primary = os.Stderr
	}

	l := &Logger{level: lvl}

	handlers := []slog.Handler{slog.NewTextHandler(primary, handlerOpts)}

	if opts.RunLogPath != "" {
		sink := openSink(opts.RunLogPath)
		l.closers = append(l.closers, sink)
		handlers = append(handlers, slog.NewTextHandler(sink, handlerOpts))
	}

	l.internal = slog.New(fanout(handlers))

	if opts.ErrorLogPath != "" {
		sink := openSink(opts.ErrorLogPath)
		l.closers = append(l.closers, sink)
		l.errors = slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	return l
}

// Info logs an info level message.
func (l *Logger) Info(msg string, args ...any) {
	l.internal.Info(msg, args...)
}

// Error logs an error level message.
func (l *Logger) Error(msg string, args ...any) {
	l.internal.Error(msg, args...)
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, args ...any) {
	l.internal.Debug(msg, args...)
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, args ...any) {
	l.internal.Warn(msg, args...)
}

// Fatal logs a fault that ends the process to both the primary and the
// error-only sink. It does not exit.
func (l *Logger) Fatal(msg string, args ...any) {
	l.internal.Error(msg, args...)

	if l.errors != nil {
		l.errors.Error(msg, args...)
	}
}

// With creates a child logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	child := &Logger{
		internal: l.internal.With(args...),
		level:    l.level,
	}

	if l.errors != nil {
		child.errors = l.errors.With(args...)
	}

	return child
}

// Log logs a message with the given level and attributes.
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.internal.Log(ctx, level, msg, args...)
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Close releases file sinks. Child loggers share sinks with their parent and
// must not be closed.
func (l *Logger) Close() {
	for _, c := range l.closers {
		_ = c.Close()
	}

	l.closers = nil
}

// fileSink appends to a file and silently disables itself on the first error.
type fileSink struct {
	mu   sync.Mutex
	file *os.File
}

func openSink(path string) *fileSink {
	s := &fileSink{}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return s
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return s
	}

	s.file = f

	return s
}

// Write always reports success so a broken log file never surfaces to slog.
func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return len(p), nil
	}

	if _, err := s.file.Write(p); err != nil {
		_ = s.file.Close()
		s.file = nil
	}

	return len(p), nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

// multiHandler dispatches every record to all child handlers.
type multiHandler []slog.Handler

func fanout(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}

	return multiHandler(handlers)
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error

	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}

		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}

	return out
}
