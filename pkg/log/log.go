package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the process wide logger. Child loggers are derived from it
	// when a component is created, so Init must run before components are.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Level is a configured log level
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

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init replaces the global logger. Unknown levels log at info.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(zerologLevels[ParseLevel(string(cfg.Level))])

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel converts a configuration string into a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDevice tags the logger of a component serving one device
func WithDevice(component, device string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("device", device).Logger()
}

// WithChannel tags the logger of one event channel
func WithChannel(component, channel string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("channel", channel).Logger()
}
