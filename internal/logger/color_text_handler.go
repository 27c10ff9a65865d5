package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler writes the level as a colored prefix and lets a plain
// slog.TextHandler render the rest of the line, so the message is never
// quoted because of escape codes.
type ColorTextHandler struct {
	*slog.TextHandler
	mu *sync.Mutex // shared by derived handlers, guards w
	w  io.Writer
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is omitted.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	o.ReplaceAttr = chainReplace(o.ReplaceAttr, dropLevel)
	if !showTime {
		o.ReplaceAttr = chainReplace(o.ReplaceAttr, dropTime)
	}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, &o),
		mu:          &sync.Mutex{},
		w:           w,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

// dropLevel removes the level attribute; the colored prefix carries it.
func dropLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		return slog.Attr{}
	}
	return a
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, levelColor(r.Level)+r.Level.String()+"\033[0m "); err != nil {
		return err
	}
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps coloring on derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), mu: h.mu, w: h.w}
}

// WithGroup keeps coloring on derived loggers.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), mu: h.mu, w: h.w}
}

func chainReplace(a, b func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	if a == nil {
		return b
	}
	return func(groups []string, attr slog.Attr) slog.Attr {
		return b(groups, a(groups, attr))
	}
}

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
