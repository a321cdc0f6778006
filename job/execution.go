package job

import (
	"fmt"
	"slices"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
)

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

const (
	// ExecutionQueued means the execution waits in the execution queue.
	ExecutionQueued ExecutionStatus = "QUEUED"
	// ExecutionRunning means targets are being processed.
	ExecutionRunning ExecutionStatus = "RUNNING"
	// ExecutionCompleted means every target settled without failure.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed means at least one target failed.
	ExecutionFailed ExecutionStatus = "FAILED"
	// ExecutionStopped means the execution was stopped on request.
	ExecutionStopped ExecutionStatus = "STOPPED"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionStopped:
		return true
	default:
		return false
	}
}

// StepSummary counts per-step outcomes within one execution.
type StepSummary struct {
	Index  int `json:"index"`
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// StartOptions controls how a job is started.
type StartOptions struct {
	// TargetIDs restricts the execution to these targets. Empty means all
	// targets of the job.
	TargetIDs []id.TargetID `json:"target_ids,omitempty"`

	// StepPropertiesOverrides replaces step properties for this execution,
	// keyed by step index.
	StepPropertiesOverrides map[int]map[string]any `json:"step_properties_overrides,omitempty"`

	// ResetStepIndex rewinds every selected target to FromStepIndex (zero
	// when unset) before running, including completed targets.
	ResetStepIndex bool `json:"reset_step_index,omitempty"`

	// FromStepIndex is the step the execution starts from. Without
	// ResetStepIndex targets continue from their own StepIndex and this
	// only has to be a valid index.
	FromStepIndex *int `json:"from_step_index,omitempty"`

	// Enqueue routes the execution through the execution queue instead of
	// rejecting it when the job is already running.
	Enqueue bool `json:"enqueue,omitempty"`
}

// Validate checks the options against the job.
func (o StartOptions) Validate(j *Job) error {
	if o.FromStepIndex != nil {
		if *o.FromStepIndex < 0 || *o.FromStepIndex > j.LastStepIndex() {
			return fmt.Errorf("%w: from step index %d outside [0, %d]",
				fleetjobs.ErrInvalidStartOptions, *o.FromStepIndex, j.LastStepIndex())
		}
	}
	for idx := range o.StepPropertiesOverrides {
		if idx < 0 || idx > j.LastStepIndex() {
			return fmt.Errorf("%w: property overrides for unknown step %d",
				fleetjobs.ErrInvalidStartOptions, idx)
		}
	}
	return nil
}

// StartIndex returns the step index a target starts this execution at.
func (o StartOptions) StartIndex(t *Target) int {
	if !o.ResetStepIndex {
		return t.StepIndex
	}
	if o.FromStepIndex != nil {
		return *o.FromStepIndex
	}
	return 0
}

// Execution is one run of a job over a set of targets.
type Execution struct {
	fleetjobs.Entity

	ID      id.ExecutionID  `json:"id"`
	ScopeID string          `json:"scope_id"`
	JobID   id.JobID        `json:"job_id"`
	Status  ExecutionStatus `json:"status"`

	// TargetIDs are the targets this execution processes.
	TargetIDs []id.TargetID `json:"target_ids"`

	Options StartOptions `json:"options"`

	StartedOn *time.Time    `json:"started_on,omitempty"`
	EndedOn   *time.Time    `json:"ended_on,omitempty"`
	Steps     []StepSummary `json:"steps,omitempty"`
}

// Ended reports whether the execution has finished. An ended execution is
// never modified again.
func (e *Execution) Ended() bool { return e.EndedOn != nil }

// HasTarget reports whether the execution processes the target.
func (e *Execution) HasTarget(targetID id.TargetID) bool {
	return slices.Contains(e.TargetIDs, targetID)
}
