package job

import (
	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
)

// TargetStatus is the processing status of a target at its current step.
type TargetStatus string

const (
	// TargetPending means the current step has not been dispatched yet.
	TargetPending TargetStatus = "PENDING"
	// TargetProcessAwaiting means a request was sent and the target waits
	// for the device to report an outcome.
	TargetProcessAwaiting TargetStatus = "PROCESS_AWAITING"
	// TargetProcessOK means the last step completed.
	TargetProcessOK TargetStatus = "PROCESS_OK"
	// TargetProcessFailed means the current step failed.
	TargetProcessFailed TargetStatus = "PROCESS_FAILED"
	// TargetAwaitingCompletion means the device went offline while a step
	// was outstanding; the step is re-dispatched on reconnect.
	TargetAwaitingCompletion TargetStatus = "AWAITING_COMPLETION"
	// TargetProcessStale marks a target whose device is no longer expected
	// to answer.
	TargetProcessStale TargetStatus = "PROCESS_STALE"
)

// Settled reports whether the status ends the target's part in an
// execution. AWAITING_COMPLETION is settled: the remainder runs in a later
// execution started on reconnect.
func (s TargetStatus) Settled() bool {
	switch s {
	case TargetProcessOK, TargetProcessFailed, TargetAwaitingCompletion, TargetProcessStale:
		return true
	default:
		return false
	}
}

// Failed reports whether the status counts as a failure.
func (s TargetStatus) Failed() bool {
	return s == TargetProcessFailed || s == TargetProcessStale
}

// Target binds a job to one device.
type Target struct {
	fleetjobs.Entity

	ID       id.TargetID `json:"id"`
	ScopeID  string      `json:"scope_id"`
	JobID    id.JobID    `json:"job_id"`
	DeviceID id.DeviceID `json:"device_id"`

	// StepIndex is the step the target is at.
	StepIndex int          `json:"step_index"`
	Status    TargetStatus `json:"status"`

	// StatusMessage explains a failure ("timeout", "stopped", the device
	// message...).
	StatusMessage string `json:"status_message,omitempty"`

	// OperationID is the outstanding device operation, if any.
	OperationID id.OperationID `json:"operation_id"`

	// ExecutionID is the execution currently (or last) processing the
	// target.
	ExecutionID id.ExecutionID `json:"execution_id"`
}

// Completed reports whether the target finished the job's last step.
func (t *Target) Completed(lastStepIndex int) bool {
	return t.Status == TargetProcessOK && t.StepIndex >= lastStepIndex
}
