package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	}
	return "unknown"
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger writes structured JSON log lines with correlation ID support.
// Token values must never be passed as fields.
type Logger struct {
	mu      sync.Mutex
	output  io.Writer
	level   Level
	service string
}

// Option configures a Logger.
type Option func(*Logger)

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) { l.output = w }
}

// WithLevel sets the minimum level that is emitted.
func WithLevel(level Level) Option {
	return func(l *Logger) { l.level = level }
}

// WithService sets the service name stamped on every line.
func WithService(service string) Option {
	return func(l *Logger) { l.service = service }
}

// NewLogger creates a Logger writing JSON lines to stdout at info level
// unless configured otherwise.
func NewLogger(opts ...Option) *Logger {
	logger := &Logger{
		output:  os.Stdout,
		level:   LevelInfo,
		service: "ledgergate",
	}
	for _, opt := range opts {
		opt(logger)
	}
	return logger
}

type entry struct {
	Timestamp     string         `json:"timestamp"`
	Level         string         `json:"level"`
	Service       string         `json:"service"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func (l *Logger) emit(level Level, message, correlationID string, fields map[string]any) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level.String(),
		Service:       l.service,
		Message:       message,
		CorrelationID: correlationID,
		Fields:        fields,
	}

	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("failed to marshal log entry: %v", err)
		return
	}

	l.mu.Lock()
	fmt.Fprintln(l.output, string(data))
	l.mu.Unlock()

	if level == LevelFatal {
		os.Exit(1)
	}
}

// Debug logs at debug level. Fields are alternating key-value pairs.
func (l *Logger) Debug(message string, fields ...any) {
	l.emit(LevelDebug, message, "", toFieldMap(fields))
}

// Info logs at info level.
func (l *Logger) Info(message string, fields ...any) {
	l.emit(LevelInfo, message, "", toFieldMap(fields))
}

// Warn logs at warn level.
func (l *Logger) Warn(message string, fields ...any) {
	l.emit(LevelWarn, message, "", toFieldMap(fields))
}

// Error logs at error level.
func (l *Logger) Error(message string, fields ...any) {
	l.emit(LevelError, message, "", toFieldMap(fields))
}

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(message string, fields ...any) {
	l.emit(LevelFatal, message, "", toFieldMap(fields))
}

// DebugWithContext logs at debug level with the correlation ID carried
// by ctx.
func (l *Logger) DebugWithContext(ctx context.Context, message string, fields ...any) {
	l.emit(LevelDebug, message, GetCorrelationID(ctx), toFieldMap(fields))
}

// InfoWithContext logs at info level with the correlation ID carried by
// ctx.
func (l *Logger) InfoWithContext(ctx context.Context, message string, fields ...any) {
	l.emit(LevelInfo, message, GetCorrelationID(ctx), toFieldMap(fields))
}

// WarnWithContext logs at warn level with the correlation ID carried by
// ctx.
func (l *Logger) WarnWithContext(ctx context.Context, message string, fields ...any) {
	l.emit(LevelWarn, message, GetCorrelationID(ctx), toFieldMap(fields))
}

// ErrorWithContext logs at error level with the correlation ID carried
// by ctx.
func (l *Logger) ErrorWithContext(ctx context.Context, message string, fields ...any) {
	l.emit(LevelError, message, GetCorrelationID(ctx), toFieldMap(fields))
}

// toFieldMap converts alternating key-value pairs into a map. Keys that
// are not strings are skipped.
func toFieldMap(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		m[key] = fields[i+1]
	}
	return m
}
