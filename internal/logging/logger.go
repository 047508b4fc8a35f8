// Package logging provides the level-gated logger used throughout
// virtiofsd-core: the control-plane Device, its Dispatcher, and the
// per-queue pumps and workers all log through a *Logger, so that every
// line from one mount can be told apart from another's by filesystem tag
// and, for queue-scoped work, virtqueue index.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
)

// core is the state shared by a Logger and every Logger derived from it
// via WithTag/WithQueue: the underlying writer, the level gate, and the
// mutex serializing writes to it. Derived loggers add context only, so
// they share one core instead of each owning a log.Logger.
type core struct {
	logger *log.Logger
	level  LogLevel
	mu     sync.Mutex
}

// Logger wraps stdlib log with level support and virtio-fs context
// (filesystem tag, virtqueue index) threaded through WithTag/WithQueue.
type Logger struct {
	c    *core
	tag  string
	qidx int // -1 when unset
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger with no tag or queue context set.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		c: &core{
			logger: log.New(output, "", log.LstdFlags),
			level:  config.Level,
		},
		qidx: -1,
	}
}

// WithTag returns a Logger that prefixes every line with the mounted
// filesystem's virtio-fs tag, sharing the parent's writer and level
// gate. Device attaches one of these to itself at mount time so every
// line it and its queue pumps log is attributable to a specific mount.
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{c: l.c, tag: tag, qidx: l.qidx}
}

// WithQueue returns a Logger additionally scoped to a virtqueue index,
// the way a queue pump or worker logs once it knows which qidx it
// serves.
func (l *Logger) WithQueue(qidx int) *Logger {
	return &Logger{c: l.c, tag: l.tag, qidx: qidx}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

// context renders the logger's tag/qidx scope as a leading key-value
// string, empty for a Logger built with plain NewLogger.
func (l *Logger) context() string {
	s := ""
	if l.tag != "" {
		s += " tag=" + l.tag
	}
	if l.qidx >= 0 {
		s += " qidx=" + strconv.Itoa(l.qidx)
	}
	return s
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.c.level {
		return
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.logger.Printf("%s%s %s%s", prefix, l.context(), msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
