// Package panics wraps goroutines with panic recovery, ported from
// the teacher's util/panics package and adapted to this repo's
// logger.Logger in place of kaspad's logs.Logger.
package panics

import (
	"runtime/debug"

	"github.com/trevorbernard/mina-indexer/internal/logger"
)

// HandlePanic recovers a panic in the current goroutine and logs it
// at Critical, including the stack trace captured at spawn time.
func HandlePanic(log *logger.Logger, goroutineStackTrace []byte) {
	err := recover()
	if err == nil {
		return
	}
	log.Criticalf("fatal error in goroutine: %+v", err)
	log.Criticalf("stack trace: %s", goroutineStackTrace)
	log.Criticalf("recover-site stack trace: %s", debug.Stack())
}

// GoroutineWrapperFunc returns a spawn function that launches f in its
// own goroutine with panic recovery wired to log.
func GoroutineWrapperFunc(log *logger.Logger) func(func()) {
	return func(f func()) {
		stackTrace := debug.Stack()
		go func() {
			defer HandlePanic(log, stackTrace)
			f()
		}()
	}
}
