// Package logging provides levelled console output for the bridge relays.
// Downstream health is reported through envelopes; this package is for
// operators watching the process.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
// Loggers derived with WithComponent share the parent's writer lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything. Used as a default in tests
// and by components constructed without a logger.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		if l.traceID != "" {
			fields[0]["trace_id"] = l.traceID
		}
		fieldStr = formatFields(fields[0])
	} else if l.traceID != "" {
		fieldStr = formatFields(map[string]interface{}{"trace_id": l.traceID})
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Relay event helpers ---

// ConnectionState logs an outbound connection transition. Extra fields are
// merged in. Entering reconnecting logs at WARN.
func (l *Logger) ConnectionState(from, to string, attempt int, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"from":    from,
		"to":      to,
		"attempt": attempt,
	}
	for k, v := range extra {
		fields[k] = v
	}
	if to == "reconnecting" {
		l.Warn("connection_state", fields)
		return
	}
	l.Info("connection_state", fields)
}

// SampleDropped logs a bus sample that could not be relayed.
func (l *Logger) SampleDropped(subject string, total uint64, err error) {
	fields := map[string]interface{}{
		"subject": subject,
		"total":   total,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("sample_dropped", fields)
}

// CommandHandled logs the outcome of an inbound downstream command.
func (l *Logger) CommandHandled(cmdType, id string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"type":     cmdType,
		"id":       id,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("command_failed", fields)
		return
	}
	l.Debug("command_handled", fields)
}

// HeartbeatTransition logs a liveness state change for a monitored source.
func (l *Logger) HeartbeatTransition(source, from, to string, misses int) {
	fields := map[string]interface{}{
		"source": source,
		"from":   from,
		"to":     to,
		"misses": misses,
	}
	if to == "lost" {
		l.Warn("heartbeat_transition", fields)
		return
	}
	l.Info("heartbeat_transition", fields)
}

// QueueRebuilt logs a published queue snapshot.
func (l *Logger) QueueRebuilt(queued int, current string, jobs int) {
	l.Debug("queue_rebuilt", map[string]interface{}{
		"queued":  queued,
		"current": current,
		"jobs":    jobs,
	})
}
