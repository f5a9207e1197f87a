// Package log is the structured logging facade used across the engine.
// It mirrors the teacher's package-level logger shape (log.Print,
// log.Printf, log.Errorf, log.Debugf) but is backed by zerolog instead
// of an ad-hoc formatter, so every call site gets leveled, field
// structured output for free.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// Init configures the global logger level and output. level accepts the
// usual zerolog level names (debug, info, warn, error); an unknown
// value falls back to info, matching the teacher's --log-level flag.
func Init(level string, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}

	logger = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// With returns a child logger carrying the given key/value pair on
// every subsequent line, used to tag log output with job/task ids.
func With(key string, value interface{}) zerolog.Logger {
	return current().With().Interface(key, value).Logger()
}

func Print(args ...interface{}) {
	current().Info().Msg(fmt.Sprint(args...))
}

func Printf(format string, args ...interface{}) {
	current().Info().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	current().Debug().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	current().Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	current().Error().Msg(fmt.Sprintf(format, args...))
}

func Error(err error) {
	current().Error().Err(err).Send()
}
