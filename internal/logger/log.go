package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
	NONE
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	case NONE:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.Disabled
	}
}

// ParseLevel accepts the level names used by the -log-level flag and
// KERNEL_LOG_LEVEL. Unknown names map to ERROR.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "dbg":
		return DEBUG
	case "info", "inf":
		return INFO
	case "warn", "warning":
		return WARN
	case "error", "err":
		return ERROR
	case "fatal":
		return FATAL
	case "none", "off":
		return NONE
	default:
		return ERROR
	}
}

// shared output; every component logger writes through it so a single
// Configure call redirects the whole process.
var (
	outMu  sync.RWMutex
	output zerolog.Logger = newOutput(os.Stderr)
	exit                  = os.Exit
)

func newOutput(w io.Writer) zerolog.Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000000"}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Configure sends all component loggers to w. Terminals get the console
// format, anything else gets one JSON object per line.
func Configure(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	output = newOutput(w)
}

func current() *zerolog.Logger {
	outMu.RLock()
	defer outMu.RUnlock()
	l := output
	return &l
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

type Logger struct {
	mu     sync.RWMutex
	level  Level
	prefix string
}

var (
	allMu sync.Mutex
	all   []*Logger
)

// NewLogger creates a new logger instance
func NewLogger(prefix string, level Level) *Logger {
	l := &Logger{
		level:  level,
		prefix: prefix,
	}
	allMu.Lock()
	all = append(all, l)
	allMu.Unlock()
	return l
}

// SetAllLevels changes the level of every logger created so far. Package
// loggers are built at init, before flags are parsed.
func SetAllLevels(level Level) {
	allMu.Lock()
	defer allMu.Unlock()
	for _, l := range all {
		l.SetLevel(level)
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) Enabled(level Level) bool {
	return level != NONE && level >= l.Level()
}

func (l *Logger) emit(level Level, msg string) {
	if !l.Enabled(level) {
		return
	}
	out := current()
	var ev *zerolog.Event
	if level == FATAL {
		// WithLevel avoids zerolog's own os.Exit so the hook below stays testable
		ev = out.WithLevel(zerolog.FatalLevel)
	} else {
		ev = out.WithLevel(level.zerolog())
	}
	ev.Str("component", l.prefix).Msg(msg)
}

func (l *Logger) Debug(v ...interface{}) { l.emit(DEBUG, fmt.Sprint(v...)) }
func (l *Logger) Info(v ...interface{})  { l.emit(INFO, fmt.Sprint(v...)) }
func (l *Logger) Warn(v ...interface{})  { l.emit(WARN, fmt.Sprint(v...)) }
func (l *Logger) Error(v ...interface{}) { l.emit(ERROR, fmt.Sprint(v...)) }
func (l *Logger) Fatal(v ...interface{}) {
	l.emit(FATAL, fmt.Sprint(v...))
	exit(1)
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.emit(DEBUG, fmt.Sprintf(format, v...)) }
func (l *Logger) Infof(format string, v ...interface{})  { l.emit(INFO, fmt.Sprintf(format, v...)) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.emit(WARN, fmt.Sprintf(format, v...)) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.emit(ERROR, fmt.Sprintf(format, v...)) }
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.emit(FATAL, fmt.Sprintf(format, v...))
	exit(1)
}

// Log writes msg at level regardless of which method the caller picked.
// FATAL messages are logged but do not exit.
func (l *Logger) Log(level Level, msg string) {
	l.emit(level, msg)
}
