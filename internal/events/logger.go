package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int32

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	// CriticalLevel marks data loss, such as a task discarded after
	// exhausting its retries.
	CriticalLevel
)

// Entry is a rendered log record kept in the recent buffer.
type Entry struct {
	Time   time.Time      `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// core is shared by a logger and every child derived from it, so a level
// change applies to all of them.
type core struct {
	mu       sync.Mutex
	level    atomic.Int32
	format   string
	output   io.Writer
	hostname string
	colors   map[LogLevel]*color.Color
	recent   *ring
}

// Logger provides structured logging.
type Logger struct {
	core   *core
	fields map[string]any
}

// NewLogger creates a logger from config.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	var output io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	hostname, _ := os.Hostname()
	c := newCore(ParseLevel(cfg.Level), cfg.Format, output, hostname, cfg.RecentBuffer)
	c.setColor(cfg.Color && isTerminal(output))

	return &Logger{core: c, fields: map[string]any{}}, nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	c := newCore(level, format, output, "test-host", 50)
	c.setColor(false)
	return &Logger{core: c, fields: map[string]any{}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewTestLogger(CriticalLevel+1, "text", io.Discard)
}

func newCore(level LogLevel, format string, output io.Writer, hostname string, recent int) *core {
	c := &core{
		format:   format,
		output:   output,
		hostname: hostname,
		recent:   newRing(recent),
		colors: map[LogLevel]*color.Color{
			DebugLevel:    color.New(color.FgCyan),
			InfoLevel:     color.New(color.FgGreen),
			WarnLevel:     color.New(color.FgYellow),
			ErrorLevel:    color.New(color.FgRed),
			CriticalLevel: color.New(color.FgHiRed, color.Bold),
		},
	}
	c.level.Store(int32(level))
	return c
}

func (c *core) setColor(enabled bool) {
	for _, col := range c.colors {
		if enabled {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
}

// SetLevel changes the threshold for this logger and all derived loggers.
func (l *Logger) SetLevel(level LogLevel) {
	if l.core != nil {
		l.core.level.Store(int32(level))
	}
}

// Level returns the current threshold.
func (l *Logger) Level() LogLevel {
	if l.core == nil {
		return InfoLevel
	}
	return LogLevel(l.core.level.Load())
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Logger{core: l.core, fields: newFields}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) {
	l.log(DebugLevel, msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string) {
	l.log(InfoLevel, msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string) {
	l.log(WarnLevel, msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string) {
	l.log(ErrorLevel, msg)
}

// Critical logs at critical level.
func (l *Logger) Critical(msg string) {
	l.log(CriticalLevel, msg)
}

// Recent returns buffered warn-and-above entries, oldest first.
func (l *Logger) Recent() []Entry {
	if l.core == nil {
		return nil
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return l.core.recent.snapshot()
}

func (l *Logger) log(level LogLevel, msg string) {
	if l.core == nil || level < l.Level() {
		return
	}

	entry := l.buildEntry(level, msg)

	l.core.mu.Lock()
	defer l.core.mu.Unlock()

	if level >= WarnLevel {
		l.core.recent.push(Entry{
			Time:   entry["time"].(time.Time),
			Level:  levelString(level),
			Msg:    msg,
			Fields: l.fields,
		})
	}

	if l.core.format == "json" {
		l.writeJSON(entry)
	} else {
		l.writeText(level, entry)
	}
}

func (l *Logger) buildEntry(level LogLevel, msg string) map[string]any {
	_, file, line, _ := runtime.Caller(3)
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}

	entry := map[string]any{
		"time":     time.Now().UTC(),
		"level":    levelString(level),
		"msg":      msg,
		"hostname": l.core.hostname,
		"caller":   fmt.Sprintf("%s:%d", file, line),
	}
	for k, v := range l.fields {
		entry[k] = v
	}
	return entry
}

func (l *Logger) writeJSON(entry map[string]any) {
	entry["time"] = entry["time"].(time.Time).Format(time.RFC3339Nano)
	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"level": entry["level"],
			"msg":   entry["msg"],
			"error": "unencodable fields: " + err.Error(),
		})
	}
	data = append(data, '\n')
	_, _ = l.core.output.Write(data)
}

// writeText renders TIME [LEVEL] message key=value ... with sorted keys.
func (l *Logger) writeText(level LogLevel, entry map[string]any) {
	var sb strings.Builder
	sb.WriteString(entry["time"].(time.Time).Format(time.RFC3339))
	sb.WriteByte(' ')
	sb.WriteString(l.core.colors[level].Sprintf("[%s]", strings.ToUpper(levelString(level))))
	sb.WriteByte(' ')
	sb.WriteString(entry["msg"].(string))

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
	}
	sb.WriteByte('\n')

	_, _ = io.WriteString(l.core.output, sb.String())
}

// ParseLevel maps a config string to a level. Unknown values mean info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "critical":
		return CriticalLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "unknown"
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// ring is a fixed-capacity buffer of recent entries.
type ring struct {
	buf  []Entry
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]Entry, size)}
}

func (r *ring) push(e Entry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []Entry {
	if !r.full {
		return append([]Entry(nil), r.buf[:r.next]...)
	}
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
