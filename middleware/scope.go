package middleware

import (
	"context"

	"github.com/xraph/fleetjobs/scope"
)

// Scope returns middleware that puts the request's fleet scope on the
// context, so senders see the same forge.Scope as the caller that started
// the job.
func Scope() Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) error {
		return next(scope.Restore(ctx, d.Request.ScopeID))
	}
}
