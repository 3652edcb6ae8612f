// Package logger provides the leveled logger used by msync.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string to LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var levelColors = map[LogLevel][]color.Attribute{
	DEBUG: {color.FgHiBlack},
	INFO:  {color.FgGreen},
	WARN:  {color.FgYellow},
	ERROR: {color.FgRed, color.Bold},
}

// Logger is a leveled logger safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	output   io.Writer
	noColor  bool
	showTime bool
}

// Config holds logger configuration
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool
}

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	level := INFO
	if cfg != nil && cfg.Level != "" {
		level = ParseLogLevel(cfg.Level)
	}

	output := io.Writer(os.Stdout)
	noColor := false
	showTime := false

	if cfg != nil {
		showTime = cfg.ShowTime
		noColor = cfg.NoColor

		if cfg.Output == "stderr" {
			output = os.Stderr
		} else if cfg.Output != "" && cfg.Output != "stdout" {
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				output = f
				noColor = true
			}
		}
	}

	if !noColor {
		noColor = !IsTerminal(output)
	}

	return &Logger{
		level:    level,
		output:   output,
		noColor:  noColor,
		showTime: showTime,
	}
}

// NewWithLevel creates a new logger with the specified log level
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level})
}

// NewWriter creates an uncoloured logger writing to w.
func NewWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{level: level, output: w, noColor: true}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetOutput sets the output writer. Colour is turned off when w is not a
// terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	if !IsTerminal(w) {
		l.noColor = true
	}
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	levelStr := fmt.Sprintf("%-5s", level.String())
	if !l.noColor {
		c := color.New(levelColors[level]...)
		c.EnableColor()
		levelStr = c.Sprint(levelStr)
	}

	if l.showTime {
		fmt.Fprintf(l.output, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), levelStr, msg)
	} else {
		fmt.Fprintf(l.output, "[%s] %s\n", levelStr, msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithField returns a log entry with fields
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: map[string]interface{}{key: value},
	}
}

// WithFields returns a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: fields,
	}
}

// Entry is a log entry carrying key=value fields.
type Entry struct {
	logger *Logger
	fields map[string]interface{}
}

// WithField returns a copy of the entry with one more field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

// Debug logs a debug message with fields
func (e *Entry) Debug(format string, args ...interface{}) {
	e.log(DEBUG, format, args...)
}

// Info logs an info message with fields
func (e *Entry) Info(format string, args ...interface{}) {
	e.log(INFO, format, args...)
}

// Warn logs a warning message with fields
func (e *Entry) Warn(format string, args ...interface{}) {
	e.log(WARN, format, args...)
}

// Error logs an error message with fields
func (e *Entry) Error(format string, args ...interface{}) {
	e.log(ERROR, format, args...)
}

func (e *Entry) log(level LogLevel, format string, args ...interface{}) {
	if len(e.fields) == 0 {
		e.logger.log(level, format, args...)
		return
	}

	// sorted so output is stable
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.fields[k]))
	}

	e.logger.log(level, "%s %s", strings.Join(parts, " "), fmt.Sprintf(format, args...))
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{level: ERROR + 1, output: io.Discard, noColor: true}
}
