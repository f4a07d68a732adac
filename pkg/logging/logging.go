// Package logging configures the structured slog logger shared by the
// retrieval services. Each service derives a child logger with a component
// attribute so pipeline stages are distinguishable in aggregated logs.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds logger configuration.
type Config struct {
	Level       string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format      string `json:"format" yaml:"format"` // json or text
	ServiceName string `json:"service_name" yaml:"service_name"`
	AddSource   bool   `json:"add_source" yaml:"add_source"`
	TimeFormat  string `json:"time_format" yaml:"time_format"`
}

// DefaultConfig returns the production logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "kb-retrieval",
		TimeFormat:  time.RFC3339,
	}
}

// NewLogger builds a configured *slog.Logger.
func NewLogger(config Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}
	if config.TimeFormat != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(config.TimeFormat))
			}
			return a
		}
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	if config.ServiceName != "" {
		logger = logger.With("service", config.ServiceName)
	}
	return logger
}

// Setup installs the configured logger as the process default. Services use
// slog.Default().With("component", ...) to derive their own loggers.
func Setup(config Config) *slog.Logger {
	logger := NewLogger(config)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
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
