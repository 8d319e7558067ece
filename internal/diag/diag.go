// Package diag provides the leveled diagnostic logging used across the
// command processor. There is no structured-logging dependency here: the
// teacher project never reaches for one, so diagnostics stay a thin wrapper
// over the standard library's log package (see DESIGN.md).
package diag

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level orders diagnostic severities from least to most urgent.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelFatal:
		return "FATAL"
	default:
		return "?????"
	}
}

// Logger is a leveled, prefix-tagged wrapper around *log.Logger.
type Logger struct {
	mu     sync.Mutex
	name   string
	min    Level
	out    *log.Logger
	onExit func(code int) // overridable for tests
}

// New returns a Logger writing to stderr, tagged with name, that drops
// records below min.
func New(name string, min Level) *Logger {
	return &Logger{
		name:   name,
		min:    min,
		out:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		onExit: os.Exit,
	}
}

func (l *Logger) log(level Level, kv []any, format string, args ...any) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%-5s] %-16s %s%s", level, l.name, msg, formatKV(kv))
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	s := " {"
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return s + "}"
}

func (l *Logger) Trace(format string, args ...any) { l.log(LevelTrace, nil, format, args...) }
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, nil, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, nil, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, nil, format, args...) }

// With returns a logging function bound to the given key/value pairs,
// letting callers attach structured context without a full logging
// dependency:
//
//	log.With("vmId", vmId, "addr", addr).Warn("page fault")
func (l *Logger) With(kv ...any) *boundLogger {
	return &boundLogger{l: l, kv: kv}
}

type boundLogger struct {
	l  *Logger
	kv []any
}

func (b *boundLogger) Trace(format string, args ...any) { b.l.log(LevelTrace, b.kv, format, args...) }
func (b *boundLogger) Debug(format string, args ...any) { b.l.log(LevelDebug, b.kv, format, args...) }
func (b *boundLogger) Info(format string, args ...any)  { b.l.log(LevelInfo, b.kv, format, args...) }
func (b *boundLogger) Warn(format string, args ...any)  { b.l.log(LevelWarn, b.kv, format, args...) }

// Fatal prints a diagnostic at LevelFatal and exits through onExit with
// status 1. Nothing in this module calls it: fatal error kinds (malformed
// PM4, unsupported opcode, guest mapping failure, exhausted cache) are
// returned as errors up to cmd/gcnproc, whose main prints the error to
// stderr and exits with status 1.
func (l *Logger) Fatal(format string, args ...any) {
	l.log(LevelFatal, nil, format, args...)
	l.onExit(1)
}

// FatalKV is Fatal with attached key/value context.
func (l *Logger) FatalKV(kv []any, format string, args ...any) {
	l.log(LevelFatal, kv, format, args...)
	l.onExit(1)
}
