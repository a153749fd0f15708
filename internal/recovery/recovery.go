// Package recovery keeps panics in background goroutines and event
// callbacks from taking the daemon down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/conenat/internal/logging"
)

// RecoverWithLog recovers from a panic and logs it with its stack. Defer it
// first thing in a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "collector.drain")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by callback, if set.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Call runs fn and reports whether it panicked. The panic is logged and not
// propagated.
func Call(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer RecoverWithCallback(logger, name, func(any) { panicked = true })
	fn()
	return false
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
