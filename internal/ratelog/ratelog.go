// Package ratelog rate-limits repeated log records so a failure that recurs
// every frame is reported once per interval, with a count of what was dropped.
package ratelog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Logger forwards records to an slog.Logger at most once per interval.
type Logger struct {
	l          *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// New creates a Logger allowing one record per interval with the given burst.
// A nil l discards everything.
func New(l *slog.Logger, interval time.Duration, burst int) *Logger {
	if burst < 1 {
		burst = 1
	}
	return &Logger{
		l:       l,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Log emits the record if the limiter allows it and reports whether it did.
// Dropped records are counted and attached as "suppressed" to the next one.
func (r *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) bool {
	if r == nil || r.l == nil {
		return false
	}
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return false
	}
	if n := r.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	r.l.Log(ctx, level, msg, args...)
	return true
}

// Warn logs at warning level.
func (r *Logger) Warn(ctx context.Context, msg string, args ...any) bool {
	return r.Log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (r *Logger) Error(ctx context.Context, msg string, args ...any) bool {
	return r.Log(ctx, slog.LevelError, msg, args...)
}

// Suppressed returns the number of records dropped since the last emitted one.
func (r *Logger) Suppressed() int64 {
	if r == nil {
		return 0
	}
	return r.suppressed.Load()
}
