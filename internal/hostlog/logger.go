// Package hostlog provides the host's structured logger. Unlike the
// teacher's package-level *slog.Logger singleton, every component receives
// its own *Logger handle at construction (see spec Design Note "Global
// logger singleton").
package hostlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
)

// Level mirrors the five levels the spec's Config struct enumerates.
type Level string

const (
	LevelException Level = "exception"
	LevelError     Level = "error"
	LevelWarn      Level = "warn"
	LevelInfo      Level = "info"
	LevelVerbose   Level = "verbose"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelException, LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelVerbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Config is the exact shape spec.md's Design Notes mandate.
type Config struct {
	MinLevel    Level
	MaxFileBytes int64
	MaxFiles     int
	MaxDirBytes  int64
}

// DefaultConfig matches §6's rotation policy: 10 MiB files, 5 generations, 100 MiB cap.
func DefaultConfig() Config {
	return Config{
		MinLevel:     LevelInfo,
		MaxFileBytes: 10 * 1024 * 1024,
		MaxFiles:     5,
		MaxDirBytes:  100 * 1024 * 1024,
	}
}

// Logger wraps slog.Logger with the rotating file writer described in §6.
// It is constructed once in main and passed explicitly to every component
// that needs to log; nothing in this package keeps process-global state.
type Logger struct {
	slog *slog.Logger
	rot  *rotatingWriter
}

// New builds a Logger writing to stdout and, if dir is non-empty, to a
// rotating set of files under dir.
func New(cfg Config, dir string) (*Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: cfg.MinLevel.slogLevel()}

	var rot *rotatingWriter
	var err error
	if dir != "" {
		rot, err = newRotatingWriter(dir, cfg.MaxFileBytes, cfg.MaxFiles, cfg.MaxDirBytes)
		if err != nil {
			return nil, fmt.Errorf("hostlog: open log dir %s: %w", dir, err)
		}
	}

	var handler slog.Handler
	if rot != nil {
		handler = slog.NewTextHandler(multiWriter{os.Stdout, rot}, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	return &Logger{slog: slog.New(handler), rot: rot}, nil
}

// With returns a child Logger carrying the given structured attributes,
// e.g. the per-Session child logger session.go constructs with "session_id".
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), rot: l.rot}
}

func (l *Logger) Verbose(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)    { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)    { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any)   { l.slog.Error(msg, args...) }

// Close flushes and closes the rotating file writer, if any.
func (l *Logger) Close() error {
	if l.rot != nil {
		return l.rot.Close()
	}
	return nil
}

type multiWriter []io.Writer

func (m multiWriter) Write(p []byte) (int, error) {
	for _, w := range m {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// humanizeBytes formats a byte count for log output. Nothing in this package
// calls it; the rotation writer writes no log lines of its own.
func humanizeBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
