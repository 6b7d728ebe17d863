// Package logger is a thin package-level wrapper around log/slog so the
// rest of the codebase logs through one configured handler.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu      sync.RWMutex
	out     io.Writer = os.Stdout
	level             = new(slog.LevelVar)
	slogger           = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
)

// Init configures the global logger. Safe to call more than once; the
// last call wins.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		out = f
	}

	if cfg.Level != "" {
		lvl, err := parseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level.Set(lvl)
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		slogger = slog.New(slog.NewJSONHandler(out, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(out, opts))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel changes the minimum level at runtime.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at DEBUG level with alternating key/value args.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at INFO level.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at WARN level.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at ERROR level.
func Error(msg string, args ...any) { get().Error(msg, args...) }
