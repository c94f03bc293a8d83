// Package logging holds the slog plumbing shared by every component.
//
// Loggers are injected, never global: main builds the only base handler and
// each component scopes what it is given with a "component" attribute at
// construction. A nil logger means Discard. Logging happens at lifecycle
// boundaries (scan, check, install, prune), never per lookup.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when it is nil:
//
//	logger: logging.Default(cfg.Logger).With("component", "fetch"),
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// NewBaseHandler builds the process-wide output handler. format is "text" or
// "json". The handler accepts every level; filtering is left to
// ComponentFilterHandler.
func NewBaseHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel parses a level name (debug, info, warn, error).
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// ParseComponentLevels parses "component=level" pairs separated by commas,
// e.g. "manager=debug,server=warn".
func ParseComponentLevels(s string) (map[string]slog.Level, error) {
	out := make(map[string]slog.Level)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid component level %q (want component=level)", part)
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(name)] = l
	}
	return out, nil
}
