package meshpool

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with meshpool-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithSlab adds a slab id field to the logger.
func (l *Logger) WithSlab(id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("slab", id),
	}
}

// WithGeneration adds the device generation to the logger.
func (l *Logger) WithGeneration(gen uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("generation", gen),
	}
}

// LogFrame logs the outcome of one frame of pool maintenance.
func (l *Logger) LogFrame(ctx context.Context, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "frame failed",
			"duration", duration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "frame completed",
			"duration", duration,
		)
	}
}

// LogDefrag logs a finished defragmentation pass over one slab.
func (l *Logger) LogDefrag(ctx context.Context, handles int, bytes int64, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "defrag incomplete",
			"moved", handles,
			"bytes", bytes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "defrag completed",
			"moved", handles,
			"bytes", bytes,
			"duration", duration,
		)
	}
}

// LogAllocationFailure logs a request the pool could not serve.
func (l *Logger) LogAllocationFailure(ctx context.Context, reason string) {
	l.DebugContext(ctx, "allocation failed",
		"reason", reason,
	)
}

// LogRebuild logs the replacement of the device context.
func (l *Logger) LogRebuild(ctx context.Context, generation uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed",
			"generation", generation,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rebuild completed",
			"generation", generation,
		)
	}
}
