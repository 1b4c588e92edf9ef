package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one logfmt-like line per record for terminals:
//
//	ts=15:04:05.000 lvl=[INFO] msg=room.join document_id=doc-1 peers=2
//
// Well-known HTTP keys are shortened and colored.
type prettyHandler struct {
	out       *lockedWriter
	level     slog.Leveler
	addSource bool
	color     bool

	// prefix is the dotted group path applied to attrs added from here on.
	prefix string
	// preformatted holds the rendered WithAttrs attributes.
	preformatted string
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(s string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, s)
	return err
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: &lockedWriter{w: w}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		h.dim(ts.Format("15:04:05.000")),
		h.levelTag(r.Level),
		h.bold(r.Message),
	)
	if h.addSource && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.dim(filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)))
		}
	}
	b.WriteString(h.preformatted)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	return h.out.writeLine(b.String())
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.preformatted)
	for _, a := range attrs {
		h.writeAttr(&b, h.prefix, a)
	}
	cp := *h
	cp.preformatted = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = joinKey(h.prefix, name)
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		// Inline groups (empty key) splice their members into the parent.
		for _, member := range a.Value.Group() {
			h.writeAttr(b, joinKey(prefix, key), member)
		}
		return
	}
	if key == "" {
		return
	}

	full := joinKey(prefix, key)
	b.WriteByte(' ')
	b.WriteString(shortKey(full))
	b.WriteByte('=')
	b.WriteString(h.formatValue(full, a.Value))
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

func shortKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	}
	return k
}

func (h *prettyHandler) formatValue(key string, v slog.Value) string {
	text := strings.TrimSpace(v.String())
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(text), h.color)
	case "path":
		return paint(text, ansiCyan, h.color)
	case "status_class", "class":
		return colorizeStatusClass(text, h.color)
	case "result":
		return colorizeResult(strings.ToLower(text), h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	}
	return quoteIfNeeded(plainValue(v))
}

func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		// String, Int64, Uint64, Bool and Duration already format well.
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

var levelColors = map[slog.Level]string{
	slog.LevelDebug: ansiMagenta,
	slog.LevelInfo:  ansiBlue,
	slog.LevelWarn:  ansiYellow,
	slog.LevelError: ansiRed,
}

func (h *prettyHandler) levelTag(l slog.Level) string {
	var base slog.Level
	switch {
	case l >= slog.LevelError:
		base = slog.LevelError
	case l >= slog.LevelWarn:
		base = slog.LevelWarn
	case l >= slog.LevelInfo:
		base = slog.LevelInfo
	default:
		base = slog.LevelDebug
	}
	return paint("["+base.String()+"]", levelColors[base], h.color)
}

func (h *prettyHandler) dim(s string) string  { return paint(s, ansiDim, h.color) }
func (h *prettyHandler) bold(s string) string { return paint(s, ansiBright, h.color) }
