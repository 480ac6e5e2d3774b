package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedactHandler scrubs secrets out of every record before the wrapped
// handler sees it. Agent callbacks and gateway responses routinely carry
// tokens; they must never reach a log sink.
type RedactHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

func NewRedactHandler(next slog.Handler, sanitizer *Sanitizer) *RedactHandler {
	return &RedactHandler{next: next, sanitizer: sanitizer}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	scrubbed := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		scrubbed.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, scrubbed)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrub(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(scrubbed), sanitizer: h.sanitizer}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

func (h *RedactHandler) scrub(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindGroup:
		members := v.Group()
		scrubbed := make([]slog.Attr, len(members))
		for i, m := range members {
			scrubbed[i] = h.scrub(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	default:
		return a
	}
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ConsoleHandler renders records as colorized single lines for an
// operator watching `serve` in a terminal. JSON output stays the
// default for anything that is not a TTY.
type ConsoleHandler struct {
	mu     sync.Mutex
	out    io.Writer
	min    slog.Level
	prefix []slog.Attr
	groups []string
}

func NewConsoleHandler(out io.Writer, min slog.Level) *ConsoleHandler {
	return &ConsoleHandler{out: out, min: min}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.TimeOnly))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.prefix {
		h.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write([]byte(b.String()))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.prefix)+len(attrs))
	merged = append(merged, h.prefix...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{out: h.out, min: h.min, prefix: merged, groups: h.groups}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return &ConsoleHandler{
		out:    h.out,
		min:    h.min,
		prefix: h.prefix,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

func (h *ConsoleHandler) writeAttr(b *strings.Builder, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, m := range v.Group() {
			h.writeAttr(b, slog.Attr{Key: a.Key + "." + m.Key, Value: m.Value})
		}
		return
	}

	key := a.Key
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}

	b.WriteByte(' ')
	b.WriteString(ansiCyan)
	b.WriteString(key)
	b.WriteString(ansiReset)
	b.WriteByte('=')

	s := v.String()
	if strings.ContainsAny(s, " \t\"") {
		s = strconv.Quote(s)
	}
	b.WriteString(s)
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + "INF" + ansiReset
	default:
		return ansiGray + "DBG" + ansiReset
	}
}
