package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs each send and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) error {
		logger.Debug("dispatch started",
			slog.String("device_id", d.Request.DeviceID.String()),
			slog.String("target_id", d.TargetID.String()),
			slog.Int("step_index", d.StepIndex),
			slog.Int("attempt", d.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("dispatch failed",
				slog.String("device_id", d.Request.DeviceID.String()),
				slog.String("target_id", d.TargetID.String()),
				slog.String("step", d.StepName),
				slog.Int("attempt", d.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("dispatch sent",
				slog.String("device_id", d.Request.DeviceID.String()),
				slog.String("target_id", d.TargetID.String()),
				slog.String("step", d.StepName),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
