// Package worker delivers device management requests and runs device
// event handlers in the background. The Executor sends one dispatch
// through the middleware chain, the per-scope throttle and the retry
// policy; the Pool runs fire-and-forget handlers and drains them on
// shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/fleetjobs/backoff"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/middleware"
)

// ErrNoResponse is returned when a sender reports success without a
// response.
var ErrNoResponse = errors.New("worker: device sender returned no response")

// Executor sends dispatches to devices. A send error is retried up to
// retries times with the backoff strategy in between; a response with
// status ERROR is a device decision and is returned as is.
type Executor struct {
	sender   device.Sender
	throttle *device.Throttle
	backoff  backoff.Strategy
	retries  int
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil throttle sends unthrottled and a
// nil strategy uses backoff.DefaultStrategy.
func NewExecutor(
	sender device.Sender,
	throttle *device.Throttle,
	bo backoff.Strategy,
	retries int,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		sender:   sender,
		throttle: throttle,
		backoff:  bo,
		retries:  max(retries, 0),
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Send delivers d.Request and returns the device's response. d.Attempt is
// set for each try.
func (e *Executor) Send(ctx context.Context, d *middleware.Dispatch) (*device.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retries+1; attempt++ {
		d.Attempt = attempt

		resp, err := e.attempt(ctx, d)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt > e.retries {
			break
		}

		e.logger.Info("device send will be retried",
			slog.String("device_id", d.Request.DeviceID.String()),
			slog.String("target_id", d.TargetID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", e.retries),
			slog.String("error", err.Error()),
		)
		if waitErr := backoff.Wait(ctx, e.backoff, attempt); waitErr != nil {
			lastErr = waitErr
			break
		}
	}
	return nil, fmt.Errorf("worker: send step %d to device %s after %d attempt(s): %w",
		d.StepIndex, d.Request.DeviceID, d.Attempt, lastErr)
}

func (e *Executor) attempt(ctx context.Context, d *middleware.Dispatch) (*device.Response, error) {
	if e.throttle != nil {
		release, err := e.throttle.Wait(ctx, d.Request.ScopeID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	var resp *device.Response
	terminal := func(ctx context.Context) error {
		r, err := e.sender.SendManagementRequest(ctx, d.Request)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrNoResponse
		}
		resp = r
		return nil
	}

	if err := e.mw(ctx, d, terminal); err != nil {
		return nil, err
	}
	return resp, nil
}
