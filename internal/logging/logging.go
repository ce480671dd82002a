// Package logging emits newline-delimited JSON events to standard
// output. It follows the teacher's pkg/logutil idiom of a mutex-guarded
// custom io.Writer sink and charmbracelet/log's Level type for
// configuration, but drives its own encoder underneath so the wire
// schema matches spec §4.4 exactly (timestamp/level/event plus flat
// fields) instead of charmbracelet/log's human-oriented default line
// format.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Event names used by the core (spec §4.4).
const (
	EventStartup         = "startup"
	EventServerStart     = "server_start"
	EventRequestStart    = "request_start"
	EventRequestComplete = "request_complete"
	EventRequestError    = "request_error"
	EventRateLimited     = "rate_limited"
	EventShutdown        = "shutdown"
)

// Fields is a set of extra key/value pairs attached to a log line. A nil
// value is omitted from the emitted JSON object, matching spec §4.4's
// "fields whose value is undefined must be omitted."
type Fields map[string]any

// Logger writes single-line JSON log records to an underlying writer,
// one object per call, guarded by a mutex so concurrent requests never
// interleave partial lines (spec §5: "writes to standard output must be
// atomic per line").
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  charmlog.Level
	clock  func() time.Time
}

// New builds a Logger writing to os.Stdout at the given level name
// ("debug", "info", "warn", "error" — anything charmlog.ParseLevel
// accepts). An empty or invalid level string falls back to info.
func New(levelName string) *Logger {
	level, err := charmlog.ParseLevel(levelName)
	if err != nil {
		level = charmlog.InfoLevel
	}
	return &Logger{
		out:   os.Stdout,
		level: level,
		clock: time.Now,
	}
}

// SetOutput redirects log output, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) emit(level charmlog.Level, levelName, event string, fields Fields) {
	if l == nil {
		return
	}
	if level < l.level {
		return
	}
	rec := make(map[string]any, len(fields)+3)
	rec["timestamp"] = l.now().UTC().Format("2006-01-02T15:04:05.000Z")
	rec["level"] = levelName
	rec["event"] = event
	for k, v := range fields {
		if v == nil {
			continue
		}
		rec[k] = v
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

func (l *Logger) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

// Info logs a level "info" event.
func (l *Logger) Info(event string, fields Fields) {
	l.emit(charmlog.InfoLevel, "info", event, fields)
}

// Warn logs a level "warn" event.
func (l *Logger) Warn(event string, fields Fields) {
	l.emit(charmlog.WarnLevel, "warn", event, fields)
}

// Error logs a level "error" event.
func (l *Logger) Error(event string, fields Fields) {
	l.emit(charmlog.ErrorLevel, "error", event, fields)
}
