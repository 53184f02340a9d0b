// Package log provides the structured, leveled logger used across the
// validator orchestrator. It wraps log/slog the way the rest of the
// ecosystem does, with an added Crit level for startup failures that
// should terminate the process.
package log

import (
	"context"
	"log/slog"
	"os"
)

const levelCrit = slog.Level(12)

var levelNames = map[slog.Leveler]string{
	levelCrit: "CRIT",
}

// Logger wraps slog.Logger with the Crit convenience level.
type Logger struct {
	inner *slog.Logger
}

var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New builds a Logger that writes JSON records to stderr at the given level.
func New(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[lvl]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	})
	return NewWithHandler(handler)
}

// NewWithHandler builds a Logger around a caller-supplied slog.Handler.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger tagged with the given module name.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Crit logs at the critical level and terminates the process. It is meant
// for startup and configuration failures the orchestrator cannot recover
// from, mirroring the beacon engine's use of log.Crit.
func (l *Logger) Crit(msg string, args ...any) {
	l.inner.Log(context.Background(), levelCrit, msg, args...)
	os.Exit(1)
}

func Module(name string) *Logger        { return defaultLogger.Module(name) }
func With(args ...any) *Logger          { return defaultLogger.With(args...) }
func Debug(msg string, args ...any)     { defaultLogger.Debug(msg, args...) }
func Info(msg string, args ...any)      { defaultLogger.Info(msg, args...) }
func Warn(msg string, args ...any)      { defaultLogger.Warn(msg, args...) }
func Error(msg string, args ...any)     { defaultLogger.Error(msg, args...) }
func Crit(msg string, args ...any)      { defaultLogger.Crit(msg, args...) }
