// Package recovery provides panic recovery for the relay's worker goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is a recovered panic turned into an error.
type PanicError struct {
	Worker string
	Value  interface{}
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Worker, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines whose failure must not take
// the process down.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "healthServer")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
	}
}

// RecoverToError recovers from a panic, logs it, and stores it in errp as a
// *PanicError. errp is left untouched when there was no panic. It lets a loop
// report a panic to its supervisor the same way it reports a fatal error.
//
//	func (l *Loop) Run(ctx context.Context) (err error) {
//	    defer recovery.RecoverToError(l.logger, "mirror", &err)
//	    ...
//	}
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logPanic(logger, name, r, stack)
		if errp != nil {
			*errp = &PanicError{Worker: name, Value: r, Stack: stack}
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}, stack string) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", stack)
}
