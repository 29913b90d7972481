// Package recovery turns panics in session goroutines into logged errors
// so one broken stream or tunnel cannot take the process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is a recovered panic.
type PanicError struct {
	// Goroutine names the goroutine that panicked.
	Goroutine string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// RecoverWithLog recovers a panic and logs it with its stack. It must be
// deferred directly.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.session.tunnelWorker")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, newPanicError(name, r))
	}
}

// RecoverWithCallback recovers and logs a panic, then hands it to fn so
// the owner can tear down whatever the goroutine was serving.
func RecoverWithCallback(logger *slog.Logger, name string, fn func(err *PanicError)) {
	if r := recover(); r != nil {
		pe := newPanicError(name, r)
		report(logger, pe)
		if fn != nil {
			fn(pe)
		}
	}
}

func newPanicError(name string, v any) *PanicError {
	return &PanicError{Goroutine: name, Value: v, Stack: debug.Stack()}
}

func report(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", pe.Goroutine,
		"panic", fmt.Sprint(pe.Value),
		"stack", string(pe.Stack))
}
