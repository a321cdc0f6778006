package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/queue"
)

const queuedColumns = `id, scope_id, job_id, execution_id, wait_for_execution_id, status,
	enqueued_at, promoted_at, created_at, updated_at`

func scanQueued(row pgx.Row) (*queue.QueuedExecution, error) {
	qe := &queue.QueuedExecution{}
	err := row.Scan(
		&qe.ID, &qe.ScopeID, &qe.JobID, &qe.ExecutionID, &qe.WaitForExecutionID, &qe.Status,
		&qe.EnqueuedAt, &qe.PromotedAt, &qe.CreatedAt, &qe.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return qe, nil
}

// CreateQueuedExecution persists a new queue entry. A second RUNNING entry
// for the same job violates the one-running index and is reported as
// fleetjobs.ErrAlreadyExists.
func (s *Store) CreateQueuedExecution(ctx context.Context, qe *queue.QueuedExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_queued_executions (`+queuedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		qe.ID, qe.ScopeID, qe.JobID, qe.ExecutionID, qe.WaitForExecutionID, qe.Status,
		qe.EnqueuedAt, qe.PromotedAt, qe.CreatedAt, qe.UpdatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrJobNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create queued execution: %w", err)
	}
	return nil
}

// UpdateQueuedExecution persists changes to an existing queue entry.
func (s *Store) UpdateQueuedExecution(ctx context.Context, qe *queue.QueuedExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_queued_executions
		SET wait_for_execution_id = $2, status = $3, promoted_at = $4, updated_at = $5
		WHERE id = $1`,
		qe.ID, qe.WaitForExecutionID, qe.Status, qe.PromotedAt, qe.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fleetjobs.ErrAlreadyExists
		}
		return fmt.Errorf("fleetjobs/postgres: update queued execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrQueuedExecutionNotFound
	}
	return nil
}

// GetQueuedExecutionByExecution returns the queue entry of an execution.
func (s *Store) GetQueuedExecutionByExecution(ctx context.Context, executionID id.ExecutionID) (*queue.QueuedExecution, error) {
	qe, err := scanQueued(s.pool.QueryRow(ctx,
		`SELECT `+queuedColumns+` FROM fleetjobs_queued_executions WHERE execution_id = $1`, executionID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrQueuedExecutionNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get queued execution: %w", err)
	}
	return qe, nil
}

// ListQueuedExecutions returns the job's queue entries in enqueue order.
func (s *Store) ListQueuedExecutions(ctx context.Context, jobID id.JobID) ([]*queue.QueuedExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queuedColumns+` FROM fleetjobs_queued_executions
		WHERE job_id = $1
		ORDER BY enqueued_at, created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list queued executions: %w", err)
	}
	entries, err := collect(rows, scanQueued)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list queued executions: %w", err)
	}
	return entries, nil
}
