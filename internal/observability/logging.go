// Package observability provides structured logging, metrics, and
// tracing for the gateway.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns applied on top of
	// the defaults
	RedactPatterns []string
}

// DefaultRedactPatterns covers the secrets most likely to leak into
// log lines: provider API keys, bearer tokens, device tokens, JWTs.
var DefaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9]{20,}`,
	`owk_[a-zA-Z0-9]{16,}`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(api[_-]?key|secret|password)[\s:=]+["']?([^\s"']{8,})["']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger builds a slog.Logger whose handler redacts sensitive
// string attributes before emitting records.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr(compilePatterns(config.RedactPatterns)),
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to
// info for unrecognized values.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func compilePatterns(extra []string) []*regexp.Regexp {
	patterns := append(append([]string{}, DefaultRedactPatterns...), extra...)
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

func redactAttr(redacts []*regexp.Regexp) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() != slog.KindString {
			return a
		}
		s := a.Value.String()
		for _, re := range redacts {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		a.Value = slog.StringValue(s)
		return a
	}
}
