package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Child loggers are derived from it with
// the With* helpers so every entry carries the cluster, resource or run it
// concerns.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level name as accepted by --log-level and RUNWAY_LOG_LEVEL
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel converts a user-supplied level name, defaulting to info
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return WarnLevel
	}
	if _, ok := zerologLevels[l]; ok {
		return l
	}
	return InfoLevel
}

// Config holds logging configuration
type Config struct {
	Level Level

	// JSONOutput writes Output as JSON instead of the console format
	JSONOutput bool
	Output     io.Writer

	// File, when set, also receives every entry as JSON. The dispatch
	// server writes its log here so /logs can serve it.
	File string
}

// Init replaces the global logger. The returned func closes File, if any.
func Init(cfg Config) (func() error, error) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return closer, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return closer, fmt.Errorf("failed to open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(output, f)
		closer = f.Close
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
	return closer, nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCluster creates a child logger with cluster field
func WithCluster(cluster string) zerolog.Logger {
	return Logger.With().Str("cluster", cluster).Logger()
}

// WithResource creates a child logger with resource and method fields
func WithResource(resource, method string) zerolog.Logger {
	return Logger.With().Str("resource", resource).Str("method", method).Logger()
}

// WithRun creates a child logger with run_key field
func WithRun(runKey string) zerolog.Logger {
	return Logger.With().Str("run_key", runKey).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs msg at error level with err attached
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
