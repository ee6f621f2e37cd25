package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

// colorTextHandler renders compact single-line records for interactive use:
// dim timestamp, short colored level tag, message, then key=value attributes.
// Non-terminal output goes through slog.TextHandler instead (see Setup).
type colorTextHandler struct {
	mu       *sync.Mutex
	w        io.Writer
	level    slog.Leveler
	showTime bool
	prefix   string // accumulated group path, "a.b."
	attrs    string // preformatted WithAttrs attributes
}

// NewColorTextHandler creates the supervisor's terminal log handler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) slog.Handler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &colorTextHandler{
		mu:       &sync.Mutex{},
		w:        w,
		level:    level,
		showTime: showTime,
	}
}

func (h *colorTextHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.showTime && !r.Time.IsZero() {
		b.WriteString(ansiDim)
		b.WriteString(r.Time.Format("15:04:05.000"))
		b.WriteString(ansiReset)
		b.WriteByte(' ')
	}
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		nh.appendAttr(&b, a)
	}
	nh.attrs = b.String()
	return &nh
}

func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *colorTextHandler) appendAttr(b *strings.Builder, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s%s%s=%v", ansiDim, h.prefix+a.Key, ansiReset, a.Value)
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case l >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case l >= slog.LevelInfo:
		return ansiGreen + "INF" + ansiReset
	default:
		return ansiCyan + "DBG" + ansiReset
	}
}
