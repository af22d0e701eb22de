// Package logger builds the process-wide zerolog logger used by parley.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the configured zerolog.Logger and the sinks behind it.
type Logger struct {
	zl       zerolog.Logger
	closers  []io.Closer
	redactor *Redactor
}

// Config holds logger configuration.
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path, empty disables file output
	Console   bool   // write to stderr
	Pretty    bool   // human readable console output
	Redaction bool   // mask API keys and tokens
	MaxSize   int    // MB before the log file rotates, 0 disables rotation
	MaxAge    int    // days rotated files are kept
	Compress  bool   // gzip rotated files
}

// DefaultConfig returns the CLI defaults: quiet console, redaction on.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   50,
		MaxAge:    14,
		Compress:  true,
	}
}

// New builds a logger from cfg and installs it as log.Logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var sinks []io.Writer

	if cfg.Console {
		var console io.Writer = os.Stderr
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		}
		sinks = append(sinks, console)
	}

	if cfg.File != "" {
		fileSink, err := openFileSink(cfg)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, fileSink)
		sinks = append(sinks, fileSink)
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = l.zl
	return l, nil
}

func openFileSink(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close flushes and closes file sinks.
func (l *Logger) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

// Zerolog returns the underlying logger. Callers keep a pointer to it.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *zerolog.Logger {
	child := l.zl.With().Str("component", name).Logger()
	return &child
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
