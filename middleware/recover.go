package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("dispatch panicked",
					slog.String("target_id", d.TargetID.String()),
					slog.String("step", d.StepName),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in dispatch of step %s: %v", d.StepName, r)
			}
		}()
		return next(ctx)
	}
}
