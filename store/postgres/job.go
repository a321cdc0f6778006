package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
)

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

const jobColumns = `id, scope_id, name, description, steps, created_at, updated_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	err := row.Scan(&j.ID, &j.ScopeID, &j.Name, &j.Description, &j.Steps, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.ID, j.ScopeID, j.Name, j.Description, jsonList(j.Steps), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fleetjobs.ErrAlreadyExists
		}
		return fmt.Errorf("fleetjobs/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM fleetjobs_jobs WHERE id = $1`, jobID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_jobs
		SET scope_id = $2, name = $3, description = $4, steps = $5, updated_at = $6
		WHERE id = $1`,
		j.ID, j.ScopeID, j.Name, j.Description, jsonList(j.Steps), j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job. Targets, executions and queue entries go with
// it through ON DELETE CASCADE.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleetjobs_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrJobNotFound
	}
	return nil
}

// ListJobs returns the jobs of a scope, or every job for an empty scope.
func (s *Store) ListJobs(ctx context.Context, scopeID string) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM fleetjobs_jobs
		WHERE ($1 = '' OR scope_id = $1)
		ORDER BY created_at, id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list jobs: %w", err)
	}
	jobs, err := collect(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list jobs: %w", err)
	}
	return jobs, nil
}

// ──────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────

const targetColumns = `id, scope_id, job_id, device_id, step_index, status, status_message,
	operation_id, execution_id, created_at, updated_at`

func scanTarget(row pgx.Row) (*job.Target, error) {
	t := &job.Target{}
	err := row.Scan(
		&t.ID, &t.ScopeID, &t.JobID, &t.DeviceID, &t.StepIndex, &t.Status, &t.StatusMessage,
		&t.OperationID, &t.ExecutionID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTarget persists a new target. The job must exist.
func (s *Store) CreateTarget(ctx context.Context, t *job.Target) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ScopeID, t.JobID, t.DeviceID, t.StepIndex, t.Status, t.StatusMessage,
		t.OperationID, t.ExecutionID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrJobNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by ID.
func (s *Store) GetTarget(ctx context.Context, targetID id.TargetID) (*job.Target, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM fleetjobs_targets WHERE id = $1`, targetID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrTargetNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get target: %w", err)
	}
	return t, nil
}

// UpdateTarget persists changes to an existing target.
func (s *Store) UpdateTarget(ctx context.Context, t *job.Target) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_targets
		SET step_index = $2, status = $3, status_message = $4,
			operation_id = $5, execution_id = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, t.StepIndex, t.Status, t.StatusMessage, t.OperationID, t.ExecutionID, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrTargetNotFound
	}
	return nil
}

// ListTargets returns the job's targets in creation order.
func (s *Store) ListTargets(ctx context.Context, jobID id.JobID) ([]*job.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+` FROM fleetjobs_targets
		WHERE job_id = $1
		ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list targets: %w", err)
	}
	targets, err := collect(rows, scanTarget)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list targets: %w", err)
	}
	return targets, nil
}

// ListTargetsByDevice returns every target bound to the device.
func (s *Store) ListTargetsByDevice(ctx context.Context, scopeID string, deviceID id.DeviceID) ([]*job.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+` FROM fleetjobs_targets
		WHERE scope_id = $1 AND device_id = $2
		ORDER BY created_at, id`, scopeID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list device targets: %w", err)
	}
	targets, err := collect(rows, scanTarget)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list device targets: %w", err)
	}
	return targets, nil
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

const executionColumns = `id, scope_id, job_id, status, target_ids, options,
	started_on, ended_on, steps, created_at, updated_at`

func scanExecution(row pgx.Row) (*job.Execution, error) {
	e := &job.Execution{}
	err := row.Scan(
		&e.ID, &e.ScopeID, &e.JobID, &e.Status, &e.TargetIDs, &e.Options,
		&e.StartedOn, &e.EndedOn, &e.Steps, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateExecution persists a new execution. The job must exist.
func (s *Store) CreateExecution(ctx context.Context, e *job.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ScopeID, e.JobID, e.Status, jsonList(e.TargetIDs), e.Options,
		e.StartedOn, e.EndedOn, jsonList(e.Steps), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrJobNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*job.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM fleetjobs_executions WHERE id = $1`, executionID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution persists changes to an existing execution.
func (s *Store) UpdateExecution(ctx context.Context, e *job.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_executions
		SET status = $2, target_ids = $3, options = $4, started_on = $5,
			ended_on = $6, steps = $7, updated_at = $8
		WHERE id = $1`,
		e.ID, e.Status, jsonList(e.TargetIDs), e.Options, e.StartedOn,
		e.EndedOn, jsonList(e.Steps), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions returns the job's executions in creation order.
func (s *Store) ListExecutions(ctx context.Context, jobID id.JobID, opts job.ExecutionListOpts) ([]*job.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM fleetjobs_executions
		WHERE job_id = $1 AND (NOT $2 OR ended_on IS NULL)
		ORDER BY created_at, id`, jobID, opts.Running)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list executions: %w", err)
	}
	execs, err := collect(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list executions: %w", err)
	}
	return execs, nil
}
