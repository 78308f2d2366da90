// Package logging provides the leveled operational logger used by every
// pipeline stage. Entries are written as OTEL-compatible JSON lines unless a
// Sink is injected.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// severityNumbers maps OTEL severity text to OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelDebug: 5,  // DEBUG
	LevelInfo:  9,  // INFO
	LevelWarn:  13, // WARN
	LevelError: 17, // ERROR
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel parses a level name such as "warn" or "WARNING".
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "", "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelWarn, fmt.Errorf("unknown log level: %q", s)
	}
}

// Sink receives entries that passed the level filter. Implementations must
// be safe for concurrent use.
type Sink interface {
	Log(level Level, msg string, attrs map[string]interface{})
}

// LogHook is called for every emitted entry, allowing secondary sinks
// without replacing the primary output.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger is a leveled logger owned by a single client instance.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	sink     Sink
	min      Level
	resource map[string]string
	hook     LogHook
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

// New creates a logger writing JSON lines to w. A nil writer means stdout.
func New(w io.Writer, min Level) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{output: w, min: normalize(min)}
}

// NewWithSink creates a logger that forwards entries to s.
func NewWithSink(s Sink, min Level) *Logger {
	return &Logger{sink: s, min: normalize(min)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{output: io.Discard, min: LevelError, sink: discardSink{}}
}

func normalize(l Level) Level {
	if _, ok := severityNumbers[l]; ok {
		return l
	}
	return LevelWarn
}

// SetResource sets the resource attributes attached to every JSON entry.
func (l *Logger) SetResource(resource map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resource = resource
}

// SetHook registers a hook that is called for every emitted entry.
func (l *Logger) SetHook(hook LogHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// Enabled reports whether entries at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return severityNumbers[level] >= severityNumbers[l.min]
}

// log writes a structured log entry.
func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	l.mu.Lock()
	hook := l.hook
	if l.sink != nil {
		sink := l.sink
		l.mu.Unlock()
		sink.Log(level, msg, attrs)
	} else {
		entry := LogEntry{
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			SeverityText:   string(level),
			SeverityNumber: severityNumbers[level],
			Body:           msg,
			Attributes:     attrs,
			Resource:       l.resource,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			// attribute values that cannot be marshaled are stringified
			entry.Attributes = stringify(attrs)
			data, _ = json.Marshal(entry)
		}
		_, _ = l.output.Write(append(data, '\n'))
		l.mu.Unlock()
	}

	// Call hook outside the lock to avoid deadlocks
	if hook != nil {
		hook(level, msg, attrs)
	}
}

func stringify(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, first(fields))
}

// Info logs an info level message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, first(fields))
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, first(fields))
}

// Error logs an error level message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}

type discardSink struct{}

func (discardSink) Log(Level, string, map[string]interface{}) {}
