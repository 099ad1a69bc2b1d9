// Package recovery contains panics raised by completion callbacks and
// background loops so they surface as logged errors instead of crashing the
// process.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/dgram/internal/logging"
)

// ErrPanic is matched by every error returned from Call after a panic.
var ErrPanic = errors.New("panic recovered")

// PanicError describes a recovered panic.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrPanic
}

// Call runs fn. If fn panics the panic is logged and returned as a
// *PanicError. A nil logger suppresses the log line.
func Call(logger *slog.Logger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
			logPanic(logger, pe)
			err = pe
		}
	}()
	fn()
	return nil
}

// RecoverWithLog recovers from panics and logs them. Defer it at the top of
// a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "recv loop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, &PanicError{Name: name, Value: r, Stack: debug.Stack()})
	}
}

// RecoverWithCallback is RecoverWithLog followed by callback, for cleanup or
// accounting.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, &PanicError{Name: name, Value: r, Stack: debug.Stack()})
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		slog.String(logging.KeyComponent, pe.Name),
		slog.String("panic", fmt.Sprintf("%v", pe.Value)),
		slog.String("stack", string(pe.Stack)))
}
