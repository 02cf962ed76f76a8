package log

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Level represents the severity of a log message.
type Level int

// Log levels, in ascending severity.
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err is shorthand for the conventional error field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Fields is a map of field names to values, used by formatters.
type Fields map[string]interface{}

// Entry is a single formatted log record.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
}

// Logger is the logging interface conveyor components depend on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a derived logger carrying additional fields.
	With(fields ...Field) Logger
	// WithComponent tags the logger with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Option configures a logger at construction time.
type Option func(*baseLogger)

// WithLevel sets the minimum level.
func WithLevel(level Level) Option {
	return func(l *baseLogger) { l.level = level }
}

// WithFormatter sets the entry formatter.
func WithFormatter(f Formatter) Option {
	return func(l *baseLogger) { l.formatter = f }
}

// WithOutput adds an output.
func WithOutput(o Output) Option {
	return func(l *baseLogger) { l.outputs = append(l.outputs, o) }
}

// NewLogger creates a logger. Defaults: info level, text format, stderr.
func NewLogger(options ...Option) Logger {
	l := &baseLogger{level: InfoLevel, fields: Fields{}}
	for _, opt := range options {
		opt(l)
	}
	if l.formatter == nil {
		l.formatter = &TextFormatter{}
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{NewConsoleOutput(os.Stderr)}
	}
	return l
}

type baseLogger struct {
	level     Level
	fields    Fields
	formatter Formatter
	outputs   []Output
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *baseLogger) With(fields ...Field) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	return &baseLogger{level: l.level, fields: merged, formatter: l.formatter, outputs: l.outputs}
}

func (l *baseLogger) WithComponent(component string) Logger {
	return l.With(F("component", component))
}

func (l *baseLogger) SetLevel(level Level) { l.level = level }
func (l *baseLogger) GetLevel() Level      { return l.level }

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	entry := &Entry{Level: level, Message: msg, Fields: merged, Timestamp: time.Now()}
	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	for _, out := range l.outputs {
		_ = out.Write(entry, formatted)
	}
}
