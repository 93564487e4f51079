// Package logger wires log/slog for the service.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

type contextKey string

const attrKey contextKey = "attrKey"

// ContextHandler implements [slog.Handler] interface and adds to the log
// record any attributes passed into the context with the [attrKey].
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a new instance of ContextHandler
// with `handler` as the base.
func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

// Handle implements [slog.Handler] interface.
func (h ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs, ok := ctx.Value(attrKey).([]slog.Attr)
	if !ok {
		return h.Handler.Handle(ctx, record)
	}

	// Add anything we got from the context to the current record.
	record.AddAttrs(attrs...)

	return h.Handler.Handle(ctx, record)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Ctx creates a new context with the attached attributes.
//
// These will get logged later by the [ContextHandler] if given the resulting context.
func Ctx(ctx context.Context, toAppend ...slog.Attr) context.Context {
	existing, _ := ctx.Value(attrKey).([]slog.Attr)

	attrs := make([]slog.Attr, 0, len(existing)+len(toAppend))
	attrs = append(attrs, existing...)
	attrs = append(attrs, toAppend...)
	return context.WithValue(ctx, attrKey, attrs)
}

// New builds a logger writing to w. format is "json" or "text"; text output
// goes through charmbracelet/log.
func New(w io.Writer, format, level string) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		cl := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(lvl),
		})
		handler = cl
	}

	return slog.New(NewContextHandler(handler))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
