package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/scope"
)

// CreateJob validates and stores a job. Every step must reference a
// registered step definition. An empty ScopeID is taken from ctx.
func (eng *Engine) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	j.Entity = fleetjobs.NewEntity()
	j.ScopeID = scope.Or(ctx, j.ScopeID)

	if err := j.Validate(); err != nil {
		return err
	}
	for _, s := range j.Steps {
		if _, ok := eng.steps.Get(s.Definition); !ok {
			return fmt.Errorf("%w: %q (step %d)", fleetjobs.ErrStepDefinitionNotFound, s.Definition, s.Index)
		}
	}

	if err := eng.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("engine: create job: %w", err)
	}
	eng.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("name", j.Name),
		slog.Int("steps", len(j.Steps)),
	)
	return nil
}

// GetJob returns a job.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// AddTarget binds a device to a job. The target starts PENDING at step 0.
func (eng *Engine) AddTarget(ctx context.Context, jobID id.JobID, deviceID id.DeviceID) (*job.Target, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	t := &job.Target{
		Entity:   fleetjobs.NewEntity(),
		ID:       id.NewTargetID(),
		ScopeID:  j.ScopeID,
		JobID:    j.ID,
		DeviceID: deviceID,
		Status:   job.TargetPending,
	}
	if err := eng.store.CreateTarget(ctx, t); err != nil {
		return nil, fmt.Errorf("engine: add target: %w", err)
	}
	return t, nil
}

// GetTarget returns a target.
func (eng *Engine) GetTarget(ctx context.Context, targetID id.TargetID) (*job.Target, error) {
	return eng.store.GetTarget(ctx, targetID)
}

// Targets returns the job's targets.
func (eng *Engine) Targets(ctx context.Context, jobID id.JobID) ([]*job.Target, error) {
	return eng.store.ListTargets(ctx, jobID)
}

// GetExecution returns an execution.
func (eng *Engine) GetExecution(ctx context.Context, executionID id.ExecutionID) (*job.Execution, error) {
	return eng.store.GetExecution(ctx, executionID)
}

// Executions returns the job's executions, oldest first.
func (eng *Engine) Executions(ctx context.Context, jobID id.JobID, opts job.ExecutionListOpts) ([]*job.Execution, error) {
	return eng.store.ListExecutions(ctx, jobID, opts)
}

// DeleteJob removes a job with its targets, executions and triggers. A job
// with an execution that has not ended cannot be deleted.
func (eng *Engine) DeleteJob(ctx context.Context, jobID id.JobID) error {
	if _, err := eng.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	running, err := eng.store.ListExecutions(ctx, jobID, job.ExecutionListOpts{Running: true})
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return fmt.Errorf("%w: job %s has %d execution(s) that have not ended",
			fleetjobs.ErrInvalidState, jobID, len(running))
	}

	n, err := eng.triggers.DeleteByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := eng.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("engine: delete job: %w", err)
	}
	eng.logger.Info("job deleted",
		slog.String("job_id", jobID.String()),
		slog.Int("triggers_deleted", n),
	)
	return nil
}
