package chronos

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/model"
)

// Logger wraps slog.Logger with chronos-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// ParseLevel converts debug, info, warn or error to a slog level.
// Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithNode adds the raft node id to the logger.
func (l *Logger) WithNode(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("node", id),
	}
}

// WithKey adds a key field to the logger.
func (l *Logger) WithKey(key model.Key) *Logger {
	return &Logger{
		Logger: l.Logger.With("key", key),
	}
}

// WithPosition adds a log position field to the logger.
func (l *Logger) WithPosition(pos uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("position", pos),
	}
}

// LogApply logs the outcome of applying a log entry. Rejections are
// expected and logged at debug level.
func (l *Logger) LogApply(ctx context.Context, kind command.Kind, pos uint64, rejected, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "apply failed",
			"kind", kind,
			"position", pos,
			"error", err,
		)
	case rejected != nil:
		l.DebugContext(ctx, "command rejected",
			"kind", kind,
			"position", pos,
			"reason", rejected,
		)
	default:
		l.DebugContext(ctx, "apply completed",
			"kind", kind,
			"position", pos,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogSnapshot logs a snapshot serialization.
func (l *Logger) LogSnapshot(ctx context.Context, pos uint64, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"position", pos,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot written",
			"position", pos,
			"bytes", bytes,
		)
	}
}

// LogInstall logs a snapshot installation.
func (l *Logger) LogInstall(ctx context.Context, pos uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot install failed",
			"position", pos,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot installed",
			"position", pos,
		)
	}
}

// LogRecovery logs the outcome of opening a data directory.
func (l *Logger) LogRecovery(ctx context.Context, dir string, lastApplied uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"dir", dir,
			"last_applied", lastApplied,
		)
	}
}

// LogFatal logs a condition that stops the node from applying entries.
func (l *Logger) LogFatal(ctx context.Context, err error) {
	l.ErrorContext(ctx, "node failed, waiting for snapshot install",
		"error", err,
	)
}

// NewLoggerFromConfig builds the logger described by cfg.LogLevel and
// cfg.LogFormat ("json" or "text").
func NewLoggerFromConfig(cfg Config) *Logger {
	level := ParseLevel(cfg.LogLevel)
	if strings.EqualFold(cfg.LogFormat, "json") {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}
