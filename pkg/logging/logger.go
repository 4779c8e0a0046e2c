// Package logging sets up the zerolog logger shared by every agent component.
//
// Components log through NewLogger or NewVersionLogger so each line carries
// the emitting package and, where one applies, the cache generation:
//
//	{"level":"info","component":"lifecycle","version":"salary-plan-v1.0","from":"activating","to":"active"}
//
// Levels: per-request cache and precache detail is Debug, lifecycle
// transitions are Info, failures the agent tolerates (stale deletion, store
// writes, lookups) are Warn, and install or network failures are Error.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name as read from OFFLINE_AGENT_LOG_LEVEL.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console format
	Pretty bool

	// Output defaults to os.Stderr
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the global logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

// parseLevel maps a level name to zerolog, accepting "warning" and falling
// back to info for empty or unknown names.
func parseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	l, err := zerolog.ParseLevel(name)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewVersionLogger is NewLogger for code bound to one cache generation.
func NewVersionLogger(component, version string) zerolog.Logger {
	return log.With().Str("component", component).Str("version", version).Logger()
}
