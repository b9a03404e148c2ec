// Package logging builds the structured loggers used across dmtrap.
//
// Every component receives a *slog.Logger and tags its records with a
// "component" attribute. Console output is human readable text; an optional
// log file receives the same records as JSON so that a debugging session can
// be inspected after the host process is gone.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/viper"
)

// Configuration keys read by FromViper
const (
	LevelKey = "log.level"
	FileKey  = "log.file"
)

// Config describes where log records go
type Config struct {
	// Level is the minimum level for console output (debug, info, warn, error)
	Level string
	// File is an optional path receiving JSON records at debug level
	File string
	// Console is the text output stream. Defaults to os.Stderr
	Console io.Writer
}

// ParseLevel converts a level name into a slog.Level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s'", name)
	}
}

// New creates a logger fanning out to the console and, if configured, a JSON log file.
// The returned close function flushes and closes the log file (it is a no-op when no file is used).
func New(config Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	console := config.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
	}
	closeFn := func() error { return nil }

	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closeFn = file.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

// FromViper creates the logger described by the log.level and log.file settings
func FromViper(v *viper.Viper) (*slog.Logger, func() error, error) {
	return New(Config{Level: v.GetString(LevelKey), File: v.GetString(FileKey)})
}

// Discard returns a logger that drops every record. Used by tests and library callers that pass nil loggers.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns log if it is not nil, a discarding logger otherwise
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}

// Component returns a child logger tagged with a component name
func Component(log *slog.Logger, name string) *slog.Logger {
	return OrDiscard(log).With(slog.String("component", name))
}
