// Package logx is a small zerolog wrapper used by the persistence and config
// layers. Services log through slog; this wrapper keeps the lower layers'
// structured output uniform without pulling slog handlers into them.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field   { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Err(err error) Field           { return func(e *zerolog.Event) { e.Err(err) } }

func Dur(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

type Logger struct {
	zl  zerolog.Logger
	set bool
}

// New builds a console logger at the given level ("debug", "info", ...).
func New(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := ParseLevel(level)
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return Logger{zl: zerolog.New(out).Level(lvl).With().Timestamp().Logger(), set: true}
}

// Nop returns a logger that discards everything.
func Nop() Logger { return Logger{zl: zerolog.Nop(), set: true} }

func (l Logger) IsZero() bool { return !l.set }

// With returns a child logger tagged with a component name.
func (l Logger) With(component string) Logger {
	return Logger{zl: l.zl.With().Str("comp", component).Logger(), set: l.set}
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(l.zl.Warn(), msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields) }

func (l Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	if !l.set {
		return
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
