// Package middleware provides composable middleware for device dispatches.
//
// A [Middleware] is a function that wraps the send of one management
// request. Middleware are composed into a chain using [Chain] and applied
// to every send, retries included. They are applied right-to-left: the
// first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs device, step, duration and outcome of each send
//   - [Recover]: catches panics in senders and converts them to errors
//   - [Timeout]: bounds a send by the request timeout
//   - [Tracing]: wraps each send in an OpenTelemetry span
//   - [Metrics]: records per-send duration and outcome counters
//   - [Scope]: puts the request's fleet scope on the context as a forge.Scope
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, d *middleware.Dispatch, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
