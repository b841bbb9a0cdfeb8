// Package log is the log actor. Other actors send it Normal messages whose
// session is a logger.Level and whose payload is the text to write.
package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"hive/internal/hive"
	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/svc"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const Scheme = "log"

type LogService struct {
	sink *logger.Logger
	// set when the actor writes to its own file
	file *os.File
	out  zerolog.Logger
	lvl  logger.Level
}

// New returns a log actor writing through the shared logger output.
func New(level logger.Level) *LogService {
	return &LogService{sink: logger.NewLogger("actor", level), lvl: level}
}

// NewFile returns a log actor appending JSON lines to path.
func NewFile(path string, level logger.Level) (*LogService, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "log: create directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "log: open %s", path)
	}
	return &LogService{
		file: f,
		out:  zerolog.New(f).With().Timestamp().Logger(),
		lvl:  level,
	}, nil
}

// Factory serves "log://" (shared output) and "log:///path/to/file".
func Factory(level logger.Level) hive.Factory {
	return func(_ *hive.Hive, path string) (kernel.Actor, error) {
		target := strings.TrimPrefix(path, Scheme+"://")
		if target == "" {
			return New(level), nil
		}
		return NewFile(target, level)
	}
}

func (l *LogService) Dispatch(ctx *kernel.ActCtx, msg kernel.Message) error {
	switch msg.Type {
	case kernel.MsgRelease:
		return l.Close()
	case kernel.MsgNormal:
	default:
		return nil
	}

	text := string(bytes.TrimRight(msg.Payload, "\x00"))
	if msg.Session == svc.SessionSetLevel {
		l.setLevel(logger.ParseLevel(text))
		return nil
	}
	level := logger.Level(msg.Session)
	if level < logger.DEBUG || level >= logger.NONE {
		return errors.Errorf("log: invalid level %d from %d", msg.Session, msg.Source)
	}
	// a log line never stops the process
	if level == logger.FATAL {
		level = logger.ERROR
	}
	if len(text) == 0 {
		return nil
	}
	l.write(msg.Source, level, text)
	return nil
}

func (l *LogService) setLevel(level logger.Level) {
	l.lvl = level
	if l.sink != nil {
		l.sink.SetLevel(level)
	}
}

func (l *LogService) write(source kernel.Handle, level logger.Level, text string) {
	if l.sink != nil {
		l.sink.Log(level, text+" ["+strconv.FormatUint(uint64(source), 10)+"]")
		return
	}
	if level < l.lvl {
		return
	}
	var ev *zerolog.Event
	switch level {
	case logger.DEBUG:
		ev = l.out.Debug()
	case logger.INFO:
		ev = l.out.Info()
	case logger.WARN:
		ev = l.out.Warn()
	default:
		ev = l.out.Error()
	}
	ev.Uint32("source", uint32(source)).Msg(text)
}

func (l *LogService) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.out = zerolog.Nop()
	return err
}
