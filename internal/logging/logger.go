package logging

// Leveled logging for the proxy and simulator.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// ParseLevel maps a config/flag value to a LogLevel. Unknown values map to info.
func ParseLevel(value string) LogLevel {
	switch strings.ToLower(value) {
	case "silent":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "verbose":
		return LogLevelVerbose
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelVerbose:
		return "verbose"
	case LogLevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// Logger provides leveled logging to the console and an optional file.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	format   string // "text" or "json"
	logEvery int
	counter  int
	file     *os.File
	fileLog  *log.Logger
	stdout   *log.Logger
	stderr   *log.Logger
}

// NewLogger creates a text logger that writes every message.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text", 1)
}

// NewLoggerWithOptions creates a logger with an explicit format and console
// sampling rate. Only every logEvery-th non-error message reaches the console;
// the log file always receives all of them.
func NewLoggerWithOptions(level LogLevel, logFile, format string, logEvery int) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	if logEvery < 1 {
		logEvery = 1
	}
	l := &Logger{
		level:    level,
		format:   strings.ToLower(format),
		logEvery: logEvery,
		stdout:   log.New(os.Stdout, "", 0),
		stderr:   log.New(os.Stderr, "", 0),
	}

	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		l.file = file
		l.fileLog = log.New(file, "", 0)
	}

	return l, nil
}

// SetOutput redirects console output. Used by the CLI and tests.
func (l *Logger) SetOutput(stdout, stderr io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stdout = log.New(stdout, "", 0)
	l.stderr = log.New(stderr, "", 0)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.fileLog = nil
		return err
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(LogLevelError, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(LogLevelInfo, format, v...)
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	l.logf(LogLevelVerbose, format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(LogLevelDebug, format, v...)
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level >= level
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.write(level, fmt.Sprintf(format, v...))
}

// write formats msg and sends it to the file and console.
// Info goes to stdout always; verbose and debug only when the logger is at
// verbose or higher; errors always go to stderr.
func (l *Logger) write(level LogLevel, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.formatLine(level, msg)
	if l.fileLog != nil {
		l.fileLog.Println(line)
	}

	if level == LogLevelError {
		l.stderr.Println(line)
		return
	}
	l.counter++
	if l.counter%l.logEvery != 0 {
		return
	}
	if level == LogLevelInfo || l.level >= LogLevelVerbose {
		l.stdout.Println(line)
	}
}

func (l *Logger) formatLine(level LogLevel, msg string) string {
	now := time.Now()
	if l.format == "json" {
		out, err := json.Marshal(struct {
			Timestamp string `json:"ts"`
			Level     string `json:"level"`
			Message   string `json:"message"`
		}{now.Format(time.RFC3339Nano), level.String(), msg})
		if err == nil {
			return string(out)
		}
	}
	return fmt.Sprintf("[%s] %s: %s", now.Format("15:04:05"), strings.ToUpper(level.String()), msg)
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// LogStartup logs the proxy endpoints and the override table.
func (l *Logger) LogStartup(listen, upstream string, overrides map[uint16]uint16) {
	l.Info("Modbus MITM proxy started")
	l.Info("  Listening on %s", listen)
	l.Info("  Forwarding to %s", upstream)
	l.Info("  Overrides: %s", FormatOverrides(overrides))
}

// FormatOverrides renders an override table as {0x0002: 0x1000, ...} in
// ascending address order.
func FormatOverrides(overrides map[uint16]uint16) string {
	addrs := make([]int, 0, len(overrides))
	for addr := range overrides {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, fmt.Sprintf("0x%04X: 0x%04X", addr, overrides[uint16(addr)]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// LogHex logs hex data at debug level.
func (l *Logger) LogHex(label string, data []byte) {
	if !l.Enabled(LogLevelDebug) {
		return
	}
	encoded := hex.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(encoded[i : i+2])
	}
	l.Debug("%s: %s", label, b.String())
}
