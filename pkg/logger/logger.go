// Package logger provides leveled, component-tagged logging for the whole
// process. Components pass a short tag ("engine", "bus", "cron") so logs
// from the long-running daemon can be filtered by subsystem.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls log verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var levelColors = map[Level]string{
	LevelDebug: "\033[90m",
	LevelInfo:  "\033[36m",
	LevelWarn:  "\033[33m",
	LevelError: "\033[31m",
}

const colorReset = "\033[0m"

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	out      io.Writer = os.Stderr
	colored  = isTerminal(os.Stderr)
)

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
// Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput redirects log output. Color is disabled for non-file writers.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if f, ok := w.(*os.File); ok {
		colored = isTerminal(f)
	} else {
		colored = false
	}
}

func write(l Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < minLevel {
		return
	}

	ts := time.Now().Format("2006-01-02 15:04:05.000")
	name := levelNames[l]

	var b strings.Builder
	if colored {
		b.WriteString(levelColors[l])
	}
	fmt.Fprintf(&b, "%s %-5s [%s] %s", ts, name, component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	if colored {
		b.WriteString(colorReset)
	}
	b.WriteByte('\n')
	io.WriteString(out, b.String())
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { write(LevelDebug, component, msg, nil) }

// InfoC logs an info message for a component.
func InfoC(component, msg string) { write(LevelInfo, component, msg, nil) }

// WarnC logs a warning for a component.
func WarnC(component, msg string) { write(LevelWarn, component, msg, nil) }

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { write(LevelError, component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	write(LevelDebug, component, msg, fields)
}

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	write(LevelInfo, component, msg, fields)
}

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	write(LevelWarn, component, msg, fields)
}

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	write(LevelError, component, msg, fields)
}
