package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const EnvLogLevel = "MCPWIRE_LOG_LEVEL"

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

type Config struct {
	Level     string `yaml:"level"`
	Format    Format `yaml:"format"`
	Timestamp bool   `yaml:"timestamp"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole, Timestamp: true}
}

// New builds the process logger. Output goes to w, which should not be stdout when
// stdout carries protocol frames.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	level, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level, ok = ParseLevel(cfg.Level)
	}
	if !ok {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// Telemetry logs v as an embedded JSON document at debug level. v is only encoded
// when debug logging is on.
func Telemetry(log zerolog.Logger, label string, v any) {
	event := log.Debug()
	if !event.Enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		event.Discard()
		log.Warn().Err(err).Str("label", label).Msg("cannot print telemetry")
		return
	}
	event.RawJSON("content", data).Msg(label)
}
