// Package logging provides the leveled logger shared by the dispatcher,
// the exchange, and the worker pool.
package logging

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Level orders log severities from most to least verbose.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a config string into a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger wraps a standard *log.Logger with a minimum level filter and a
// fixed component tag, matching the prefix style the daemon package uses
// ("<RFC3339> <LEVEL> <component>: <message>").
type Logger struct {
	out       *log.Logger
	component string
	min       Level
}

// New creates a Logger that writes lines at or above min through out.
func New(out *log.Logger, component string, min Level) *Logger {
	return &Logger{out: out, component: component, min: min}
}

// Logf emits a line if level is at or above the logger's minimum.
func (l *Logger) Logf(level Level, format string, args ...any) {
	if l == nil || l.out == nil || level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().UTC().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
