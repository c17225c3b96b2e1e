package gethlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var levelColor = map[slog.Level]int{
	LevelTrace: 35, // magenta
	LevelDebug: 36, // cyan
	LevelInfo:  32, // green
	LevelWarn:  33, // yellow
	LevelError: 31, // red
	LevelCrit:  35,
}

var levelName = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
	LevelCrit:  "CRIT ",
}

// terminalHandler writes one line per record: "LVL [date|time] msg k=v k=v".
type terminalHandler struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	attrs    []slog.Attr
}

func newTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	return &terminalHandler{w: w, useColor: useColor}
}

func (h *terminalHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sb strings.Builder
	lvl := levelName[r.Level]
	if lvl == "" {
		lvl = r.Level.String()
	}
	if h.useColor {
		fmt.Fprintf(&sb, "\x1b[%dm%s\x1b[0m", levelColor[r.Level], lvl)
	} else {
		sb.WriteString(lvl)
	}
	fmt.Fprintf(&sb, " [%s] %-40s", r.Time.Format("01-02|15:04:05.000"), r.Message)

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, formatValue(a.Value))
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &terminalHandler{w: h.w, useColor: h.useColor}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *terminalHandler) WithGroup(string) slog.Handler { return h }

func formatValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return v.Any()
	}
}

// JSONHandler returns a machine-readable handler, used when lumberjack-backed
// file logging is configured (see internal/config).
func JSONHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelTrace})
}
