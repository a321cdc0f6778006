// Package observability provides a metrics extension for fleetjobs. The
// MetricsExtension implements lifecycle hooks to record fleet-wide
// counters for executions, target outcomes, trigger fires and device
// resumptions.
//
// For per-dispatch tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
