package middleware

import (
	"context"
	"log/slog"
)

// Timeout returns middleware that bounds a send by the request's Timeout.
// The step timeout that fails an unanswered target is separate; this only
// stops a single send from hanging.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) error {
		if d.Request.Timeout > 0 {
			logger.Debug("dispatch timeout set",
				slog.String("target_id", d.TargetID.String()),
				slog.Duration("timeout", d.Request.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Request.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
