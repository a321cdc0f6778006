package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/trigger"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type executionQueuedEntry struct {
	name string
	hook ExecutionQueued
}

type executionStartedEntry struct {
	name string
	hook ExecutionStarted
}

type executionEndedEntry struct {
	name string
	hook ExecutionEnded
}

type targetStepCompletedEntry struct {
	name string
	hook TargetStepCompleted
}

type targetFailedEntry struct {
	name string
	hook TargetFailed
}

type triggerFiredEntry struct {
	name string
	hook TriggerFired
}

type deviceResumedEntry struct {
	name string
	hook DeviceResumed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	executionQueued     []executionQueuedEntry
	executionStarted    []executionStartedEntry
	executionEnded      []executionEndedEntry
	targetStepCompleted []targetStepCompletedEntry
	targetFailed        []targetFailedEntry
	triggerFired        []triggerFiredEntry
	deviceResumed       []deviceResumedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(ExecutionQueued); ok {
		r.executionQueued = append(r.executionQueued, executionQueuedEntry{name, h})
	}
	if h, ok := e.(ExecutionStarted); ok {
		r.executionStarted = append(r.executionStarted, executionStartedEntry{name, h})
	}
	if h, ok := e.(ExecutionEnded); ok {
		r.executionEnded = append(r.executionEnded, executionEndedEntry{name, h})
	}
	if h, ok := e.(TargetStepCompleted); ok {
		r.targetStepCompleted = append(r.targetStepCompleted, targetStepCompletedEntry{name, h})
	}
	if h, ok := e.(TargetFailed); ok {
		r.targetFailed = append(r.targetFailed, targetFailedEntry{name, h})
	}
	if h, ok := e.(TriggerFired); ok {
		r.triggerFired = append(r.triggerFired, triggerFiredEntry{name, h})
	}
	if h, ok := e.(DeviceResumed); ok {
		r.deviceResumed = append(r.deviceResumed, deviceResumedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Execution event emitters
// ──────────────────────────────────────────────────

// EmitExecutionQueued notifies all extensions that implement ExecutionQueued.
func (r *Registry) EmitExecutionQueued(ctx context.Context, e *job.Execution) {
	for _, x := range r.executionQueued {
		if err := x.hook.OnExecutionQueued(ctx, e); err != nil {
			r.logHookError("OnExecutionQueued", x.name, err)
		}
	}
}

// EmitExecutionStarted notifies all extensions that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, e *job.Execution) {
	for _, x := range r.executionStarted {
		if err := x.hook.OnExecutionStarted(ctx, e); err != nil {
			r.logHookError("OnExecutionStarted", x.name, err)
		}
	}
}

// EmitExecutionEnded notifies all extensions that implement ExecutionEnded.
func (r *Registry) EmitExecutionEnded(ctx context.Context, e *job.Execution, elapsed time.Duration) {
	for _, x := range r.executionEnded {
		if err := x.hook.OnExecutionEnded(ctx, e, elapsed); err != nil {
			r.logHookError("OnExecutionEnded", x.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Target event emitters
// ──────────────────────────────────────────────────

// EmitTargetStepCompleted notifies all extensions that implement TargetStepCompleted.
func (r *Registry) EmitTargetStepCompleted(ctx context.Context, t *job.Target, stepIndex int, elapsed time.Duration) {
	for _, x := range r.targetStepCompleted {
		if err := x.hook.OnTargetStepCompleted(ctx, t, stepIndex, elapsed); err != nil {
			r.logHookError("OnTargetStepCompleted", x.name, err)
		}
	}
}

// EmitTargetFailed notifies all extensions that implement TargetFailed.
func (r *Registry) EmitTargetFailed(ctx context.Context, t *job.Target, reason string) {
	for _, x := range r.targetFailed {
		if err := x.hook.OnTargetFailed(ctx, t, reason); err != nil {
			r.logHookError("OnTargetFailed", x.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitTriggerFired notifies all extensions that implement TriggerFired.
func (r *Registry) EmitTriggerFired(ctx context.Context, t *trigger.Trigger, f *trigger.Fired) {
	for _, x := range r.triggerFired {
		if err := x.hook.OnTriggerFired(ctx, t, f); err != nil {
			r.logHookError("OnTriggerFired", x.name, err)
		}
	}
}

// EmitDeviceResumed notifies all extensions that implement DeviceResumed.
func (r *Registry) EmitDeviceResumed(ctx context.Context, scopeID string, deviceID id.DeviceID, executions []id.ExecutionID) {
	for _, x := range r.deviceResumed {
		if err := x.hook.OnDeviceResumed(ctx, scopeID, deviceID, executions); err != nil {
			r.logHookError("OnDeviceResumed", x.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, x := range r.shutdown {
		if err := x.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", x.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
