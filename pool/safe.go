package pool

import (
	"log/slog"
	"runtime/debug"
)

// goSafe runs fn in a goroutine and logs a panic instead of crashing the
// renderer.
func goSafe(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in background task", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
