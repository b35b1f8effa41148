// Package logging provides a thin, level-prefixed wrapper over the standard
// library logger, matching the convention the broker's log.Printf call sites
// already followed informally.
package logging

import (
	"log"
	"os"
)

// Logger writes level-prefixed lines to an underlying *log.Logger.
type Logger struct {
	l *log.Logger
}

// New creates a Logger writing to stdout with the standard flags.
func New() *Logger {
	return &Logger{l: log.New(os.Stdout, "", log.LstdFlags)}
}

func (lg *Logger) Debugf(format string, args ...any) { lg.l.Printf("[DEBUG] "+format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.l.Printf("[INFO] "+format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.l.Printf("[WARN] "+format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.l.Printf("[ERROR] "+format, args...) }

// SetLevel is accepted for config-surface compatibility; output is
// never filtered by level.
func (lg *Logger) SetLevel(string) {}

var std = New()

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
