// Package logger provides a thread-safe, levelled logger for the engine.
//
// The call shape (New(level), Info/Infof/Error/Errorf/Debug/Debugf, SetLevel)
// matches the original session-engine's hand-rolled wrapper around the
// standard library log package; this version backs the same shape with
// go.uber.org/zap so per-run fields (run id, worker id) can be attached as
// structured key/value pairs instead of interpolated into the message.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging verbosity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a structured, levelled logger backed by zap.
//
// SetLevel may be called concurrently with logging methods; the current
// level is held in an atomic and consulted through zap's AtomicLevel so no
// extra mutex is needed.
type Logger struct {
	sugar *zap.SugaredLogger
	atom  zap.AtomicLevel
	level atomic.Int32
}

// New creates a Logger that writes JSON-structured entries to stderr at the
// given minimum level.
func New(level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), atom)
	l := &Logger{
		sugar: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(),
		atom:  atom,
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.atom.SetLevel(level.zapLevel())
	l.level.Store(int32(level))
}

// DebugEnabled reports whether Debug/Debugf calls are currently live. Call
// sites that must build their log line (e.g. redacting a resolved {{var}}
// through Redact before logging it) should check this first rather than
// paying that cost on every hot-path call only to have zap drop the entry.
func (l *Logger) DebugEnabled() bool {
	return l.atom.Enabled(zapcore.DebugLevel)
}

// With returns a child Logger that annotates every entry with the given
// structured key/value pairs (e.g. "runId", runID).
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), atom: l.atom}
}

func (l *Logger) Info(msg string)  { l.sugar.Info(msg) }
func (l *Logger) Error(msg string) { l.sugar.Error(msg) }
func (l *Logger) Debug(msg string) { l.sugar.Debug(msg) }

func (l *Logger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }

// Sync flushes any buffered log entries. Call during shutdown.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Redact returns "***" for a secret variable's value and v unchanged
// otherwise. Call sites that log a resolved {{var}} substitution must pass
// the variable through Redact first.
func Redact(value string, secret bool) string {
	if secret {
		return "***"
	}
	return value
}
