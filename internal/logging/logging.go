// Package logging builds the slog loggers shared by the engine, the agent
// and the CLI, and fixes the attribute keys they log with.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format selects the handler used to encode records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var handlers = map[Format]func(io.Writer, *slog.HandlerOptions) slog.Handler{
	FormatText: func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) },
	FormatJSON: func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) },
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a configured level name to a slog level. Names are
// case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	lvl, ok := levels[strings.ToLower(s)]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// ParseFormat maps a configured format name to a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	if _, ok := handlers[f]; !ok {
		return FormatText, fmt.Errorf("unknown log format %q", s)
	}
	return f, nil
}

// NewLogger returns a logger writing to stderr.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w. Unknown levels fall
// back to info and unknown formats to text; config validation rejects
// both before an agent gets here.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	f, _ := ParseFormat(format)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: durationsAsText,
	}
	return slog.New(handlers[f](w, opts))
}

// durationsAsText keeps durations readable in JSON output, which would
// otherwise carry them as integer nanoseconds.
func durationsAsText(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		a.Value = slog.StringValue(a.Value.Duration().Round(time.Microsecond).String())
	}
	return a
}

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns l tagged with the component attribute. A nil logger
// yields a discarding one.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = NopLogger()
	}
	return l.With(slog.String(KeyComponent, name))
}

// Attribute keys.
const (
	KeyComponent = "component"
	KeyError     = "error"
	KeyRule      = "rule"
	KeyDirection = "direction"
	KeyTuple     = "tuple"
	KeyReply     = "reply"
	KeyInternal  = "internal"
	KeyExtPort   = "ext_port"
	KeyExtAddr   = "ext_addr"
	KeyIfIndex   = "ifindex"
	KeyReason    = "reason"
	KeyCount     = "count"
	KeyDuration  = "duration"
	KeyAddress   = "address"
	KeyBackend   = "backend"
)
