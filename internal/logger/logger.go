// Package logger configures the process-wide zerolog sink used by every
// component of the daemon.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/freeCoder-ahl/Jupiter/internal/config"
)

// Logger is a zerolog.Logger bound to the configured target plus the
// severity chosen for writability transition events. Writability flips
// are protocol-normal but operationally noteworthy, so their level is
// configurable separately from everything else.
type Logger struct {
	zerolog.Logger

	writability zerolog.Level
	closer      io.Closer
}

// New builds a Logger from the logging section of the configuration.
// The caller owns the returned Logger and must Close it when the
// target is a file.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(*cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: bad level %q: %w", *cfg.Level, err)
	}
	wlevel, err := zerolog.ParseLevel(*cfg.WritabilityLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: bad writability level %q: %w", *cfg.WritabilityLevel, err)
	}

	var (
		sink   io.Writer
		closer io.Closer
	)
	switch *cfg.Target {
	case "stderr":
		sink = os.Stderr
	case "stdout":
		sink = os.Stdout
	default:
		f, err := os.OpenFile(*cfg.Target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: open target %s: %w", *cfg.Target, err)
		}
		sink = f
		closer = f
	}

	zl := zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return &Logger{Logger: zl, writability: wlevel, closer: closer}, nil
}

// NewTest returns a Logger that writes every level to w with no
// timestamps, so tests can decode the emitted JSON lines.
func NewTest(w io.Writer) *Logger {
	return &Logger{
		Logger:      zerolog.New(w).Level(zerolog.TraceLevel),
		writability: zerolog.WarnLevel,
	}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), writability: zerolog.WarnLevel}
}

// Writability starts a log event at the severity configured for
// backpressure transitions.
func (l *Logger) Writability() *zerolog.Event {
	return l.WithLevel(l.writability)
}

// Close releases the log target when it is a file. It is a no-op for
// stdout and stderr targets.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
