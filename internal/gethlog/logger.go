// Package gethlog is a small structured-logging layer in the style of
// go-ethereum's own log package: a thin Logger wrapper around log/slog with
// alternating key/value call sites and a terminal handler that colorizes
// output when writing to a TTY.
package gethlog

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level with go-ethereum's naming.
type Level = slog.Level

const (
	LevelTrace Level = slog.Level(-8)
	LevelDebug Level = slog.LevelDebug
	LevelInfo  Level = slog.LevelInfo
	LevelWarn  Level = slog.LevelWarn
	LevelError Level = slog.LevelError
	LevelCrit  Level = slog.Level(12)
)

// Logger is the logging interface used throughout this module. Every
// package logs through a Logger instance rather than fmt.Println.
type Logger struct {
	inner *slog.Logger
}

// New wraps an slog.Handler into a Logger, the way go-ethereum's
// log.NewLogger does.
func New(h slog.Handler) Logger {
	return Logger{inner: slog.New(h)}
}

// With returns a Logger that always includes the given key/value pairs.
func (l Logger) With(ctx ...any) Logger {
	return Logger{inner: l.inner.With(ctx...)}
}

func (l Logger) Trace(msg string, ctx ...any) { l.inner.Log(context.Background(), LevelTrace, msg, ctx...) }
func (l Logger) Debug(msg string, ctx ...any) { l.inner.Debug(msg, ctx...) }
func (l Logger) Info(msg string, ctx ...any)  { l.inner.Info(msg, ctx...) }
func (l Logger) Warn(msg string, ctx ...any)  { l.inner.Warn(msg, ctx...) }
func (l Logger) Error(msg string, ctx ...any) { l.inner.Error(msg, ctx...) }
func (l Logger) Crit(msg string, ctx ...any) {
	l.inner.Log(context.Background(), LevelCrit, msg, ctx...)
	os.Exit(1)
}

var root = New(NewTerminalHandler(os.Stderr))

// Root returns the default process-wide logger, overridden by SetRoot
// during process startup once the configured log file/level is known.
func Root() Logger { return root }

// SetRoot replaces the default process-wide logger.
func SetRoot(l Logger) { root = l }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }

// NewTerminalHandler builds a human-readable handler that colorizes the
// level field when w is a terminal.
func NewTerminalHandler(w *os.File) slog.Handler {
	useColor := isatty.IsTerminal(w.Fd())
	var out = any(w).(interface {
		Write([]byte) (int, error)
	})
	if useColor {
		out = colorable.NewColorable(w)
	}
	return newTerminalHandler(out, useColor)
}
