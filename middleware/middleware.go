// Package middleware provides composable middleware for device dispatches.
// Middleware wraps each management request send synchronously and can
// modify it (recover from panics, inject scope, log, add tracing, etc.).
package middleware

import (
	"context"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
)

// Dispatch describes one management request being sent for a job step.
type Dispatch struct {
	Request *device.Request

	JobID       id.JobID
	ExecutionID id.ExecutionID
	TargetID    id.TargetID
	StepIndex   int
	StepName    string

	// Attempt is 1 for the first send and grows with each retry.
	Attempt int
}

// Handler is the terminal function that performs the send.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the dispatch being sent, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, d *Dispatch, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, scope) executes as:
//
//	logging → recover → scope → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, d, prev)
			}
		}
		return h(ctx)
	}
}
