package observ

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// SetupLogging configures the process logger. Format is "json" or "console".
func SetupLogging(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logMu.Lock()
	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	logMu.Unlock()
	return nil
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one structured event line. Keys "level" and "err" in kv pick the
// severity and error field; everything else becomes a field.
func Log(event string, kv map[string]any) {
	l := Logger()

	var e *zerolog.Event
	switch kv["level"] {
	case "debug":
		e = l.Debug()
	case "warn":
		e = l.Warn()
	case "error":
		e = l.Error()
	default:
		e = l.Info()
	}
	for k, v := range kv {
		switch k {
		case "level":
			continue
		case "err":
			if err, ok := v.(error); ok {
				e = e.Err(err)
				continue
			}
		}
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

// Warn is Log at warn level.
func Warn(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "warn"
	Log(event, kv)
}

// Error is Log at error level with err attached.
func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "error"
	kv["err"] = err
	Log(event, kv)
}
