package job

import (
	"context"

	"github.com/xraph/fleetjobs/id"
)

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes the job together with its targets and executions.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	ListJobs(ctx context.Context, scopeID string) ([]*Job, error)
}

// TargetStore persists job targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, t *Target) error
	GetTarget(ctx context.Context, targetID id.TargetID) (*Target, error)
	UpdateTarget(ctx context.Context, t *Target) error

	// ListTargets returns the job's targets ordered by creation.
	ListTargets(ctx context.Context, jobID id.JobID) ([]*Target, error)

	// ListTargetsByDevice returns every target bound to the device.
	ListTargetsByDevice(ctx context.Context, scopeID string, deviceID id.DeviceID) ([]*Target, error)
}

// ExecutionListOpts filters execution queries.
type ExecutionListOpts struct {
	// Running restricts results to executions that have not ended.
	Running bool
}

// ExecutionStore persists job executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, executionID id.ExecutionID) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns the job's executions ordered by creation.
	ListExecutions(ctx context.Context, jobID id.JobID, opts ExecutionListOpts) ([]*Execution, error)
}

// Store composes the job persistence interfaces.
type Store interface {
	JobStore
	TargetStore
	ExecutionStore
}
