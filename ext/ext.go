// Package ext defines the extension system for fleetjobs.
// Extensions are notified of lifecycle events (execution started, target
// failed, trigger fired, etc.) and can react to them: logging, metrics,
// tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/trigger"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionQueued is called when an execution is created behind a running
// one and waits in the execution queue.
type ExecutionQueued interface {
	OnExecutionQueued(ctx context.Context, e *job.Execution) error
}

// ExecutionStarted is called when an execution begins dispatching, either
// directly or after promotion from the queue.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, e *job.Execution) error
}

// ExecutionEnded is called once when an execution reaches COMPLETED,
// FAILED or STOPPED.
type ExecutionEnded interface {
	OnExecutionEnded(ctx context.Context, e *job.Execution, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Target lifecycle hooks
// ──────────────────────────────────────────────────

// TargetStepCompleted is called after a target completes a step.
type TargetStepCompleted interface {
	OnTargetStepCompleted(ctx context.Context, t *job.Target, stepIndex int, elapsed time.Duration) error
}

// TargetFailed is called when a target's step fails (device error,
// timeout or stop).
type TargetFailed interface {
	OnTargetFailed(ctx context.Context, t *job.Target, reason string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// TriggerFired is called after the scheduler fires a timer trigger.
type TriggerFired interface {
	OnTriggerFired(ctx context.Context, t *trigger.Trigger, f *trigger.Fired) error
}

// DeviceResumed is called after a reconnecting device had interrupted jobs
// restarted for it.
type DeviceResumed interface {
	OnDeviceResumed(ctx context.Context, scopeID string, deviceID id.DeviceID, executions []id.ExecutionID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
