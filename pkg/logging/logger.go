// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off, e.g. for commands that write records
	// to stdout.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup configures the global zerolog logger that NewLogger derives from
// and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

var levels = map[string]zerolog.Level{
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"disabled": zerolog.Disabled,
	"off":      zerolog.Disabled,
}

// ParseLevel validates a configured level name. The empty string is info.
func ParseLevel(name string) (LogLevel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return LevelInfo, nil
	}
	if _, ok := levels[name]; !ok {
		return "", fmt.Errorf("unknown log level %q (debug, info, warn, error, disabled)", name)
	}
	return LogLevel(name), nil
}

// parseLevel maps level to zerolog; unknown names log at info.
func parseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(string(level)))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hit/miss/stale, key, age
//   - Window resets and discarded stale responses
//   - Scroll trigger and search debounce decisions
//   - Rejected edits
//
// Info: Normal operation events
//   - Switch from offset to cursor pagination
//   - Completed publishes
//   - Requests that succeeded after retry
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Degraded pagination (offset ceiling without cursor)
//   - Retry attempts and rate limit throttling
//   - Refresh failures served from last-known-good data
//   - Partial publishes and failed refetches after publish
//
// Error: Error conditions requiring attention
//   - Failed requests after retries with nothing to fall back to
//   - Critical rate limit blocks
//   - Configuration errors
//
// Context Fields:
//   - component: crm-client, server, fetch
//   - view: dashboard page name
//   - signature: canonical filter signature of a Window
//   - seq: Window sequence token
//   - cursor: page position (offset or cursor token)
//   - records: records merged or returned
//   - has_more: whether more pages are expected
//   - key, age: cache key and entry age
//   - error_class: client, server, rate_limit, network
//   - attempt: retry attempt number
