// Package logging builds the structured logger of a node from its
// configuration. The level can be changed while the node runs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/najoast/relaymesh/config"
)

// Logger is a slog.Logger whose level is adjustable at runtime.
type Logger struct {
	*slog.Logger

	level  *slog.LevelVar
	closer io.Closer
}

// New creates a logger writing to cfg.Output: "stdout", "stderr" or a
// file path opened for appending.
func New(cfg config.LogConfig) (*Logger, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f
	}

	l, err := NewWriter(w, cfg)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	l.closer = closer
	return l, nil
}

// NewWriter creates a logger writing to w.
func NewWriter(w io.Writer, cfg config.LogConfig) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(lvl)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var h slog.Handler
	switch cfg.Format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogFormat, cfg.Format)
	}

	return &Logger{Logger: slog.New(h), level: level}, nil
}

// ParseLevel maps a configured level to a slog level.
func ParseLevel(level config.LogLevel) (slog.Level, error) {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug, nil
	case "", config.LogLevelInfo:
		return slog.LevelInfo, nil
	case config.LogLevelWarn:
		return slog.LevelWarn, nil
	case config.LogLevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
}

// SetLevel changes the level of every logger derived from l.
func (l *Logger) SetLevel(level config.LogLevel) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(lvl)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// OnConfigChange follows log level changes of a watched configuration.
func (l *Logger) OnConfigChange(oldConfig, newConfig *config.Config) {
	if oldConfig != nil && oldConfig.Log.Level == newConfig.Log.Level {
		return
	}
	if err := l.SetLevel(newConfig.Log.Level); err != nil {
		l.Warn("ignoring log level change", "error", err)
		return
	}
	l.Info("log level changed", "level", newConfig.Log.Level.String())
}

// Close releases the output file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
