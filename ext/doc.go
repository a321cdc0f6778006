// Package ext defines the extension system for fleetjobs.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs or forwarding events elsewhere.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnExecutionEnded(ctx context.Context, x *job.Execution, elapsed time.Duration) error {
//	    log.Printf("execution %s ended %s in %s", x.ID, x.Status, elapsed)
//	    return nil
//	}
//
// # Execution Hooks
//
//   - [ExecutionQueued]: execution waits behind a running one
//   - [ExecutionStarted]: execution began dispatching
//   - [ExecutionEnded]: execution completed, failed or was stopped
//
// # Target Hooks
//
//   - [TargetStepCompleted]: a target finished a step
//   - [TargetFailed]: a target's step failed
//
// # Other Hooks
//
//   - [TriggerFired]: a timer trigger fired
//   - [DeviceResumed]: interrupted jobs were restarted for a reconnecting device
//   - [Shutdown]: the orchestrator is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
