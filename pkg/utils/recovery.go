package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"go.uber.org/zap"
)

// RecoverFn is a function that handles a recovered panic
type RecoverFn func(r interface{}, stack []byte)

// SafeGo executes the given function in a goroutine with panic recovery
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				logPanic(context.Background(), "goroutine", r, stack)
			}
		}()
		fn()
	}()
}

// RecoverWithLog recovers a panic and logs it; use as `defer utils.RecoverWithLog(ctx, "op")`.
func RecoverWithLog(ctx context.Context, operation string) {
	if r := recover(); r != nil {
		logPanic(ctx, operation, r, debug.Stack())
	}
}

// WrapWithContextRecovery turns a panic in fn into a returned error.
func WrapWithContextRecovery(operation string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, operation, r, debug.Stack())
				err = fmt.Errorf("panic recovered in %s: %v", operation, r)
			}
		}()
		return fn(ctx)
	}
}

func logPanic(ctx context.Context, operation string, r interface{}, stack []byte) {
	log := logger.FromContext(ctx)
	if log == nil {
		fmt.Fprintf(os.Stderr, "[PANIC] Recovered from panic during %s: %v\n%s\n", operation, r, stack)
		return
	}
	log.Error("[panic] Recovered from panic",
		zap.String("operation", operation),
		zap.Any("panic", r),
		zap.ByteString("stack", stack),
	)
}
