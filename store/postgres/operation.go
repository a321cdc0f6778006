package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/operation"
)

const operationColumns = `id, scope_id, device_id, app_id, action, resource, status, progress,
	message, started_on, ended_on, input_properties, job_id, execution_id, target_id,
	step_index, created_at, updated_at`

func scanOperation(row pgx.Row) (*operation.Operation, error) {
	op := &operation.Operation{}
	err := row.Scan(
		&op.ID, &op.ScopeID, &op.DeviceID, &op.AppID, &op.Action, &op.Resource, &op.Status, &op.Progress,
		&op.Message, &op.StartedOn, &op.EndedOn, &op.InputProperties, &op.JobID, &op.ExecutionID, &op.TargetID,
		&op.StepIndex, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// CreateOperation persists a new operation.
func (s *Store) CreateOperation(ctx context.Context, op *operation.Operation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		op.ID, op.ScopeID, op.DeviceID, op.AppID, op.Action, op.Resource, op.Status, op.Progress,
		op.Message, op.StartedOn, op.EndedOn, jsonMap(op.InputProperties), op.JobID, op.ExecutionID, op.TargetID,
		op.StepIndex, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fleetjobs.ErrAlreadyExists
		}
		return fmt.Errorf("fleetjobs/postgres: create operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *Store) GetOperation(ctx context.Context, operationID id.OperationID) (*operation.Operation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM fleetjobs_operations WHERE id = $1`, operationID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrOperationNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get operation: %w", err)
	}
	return op, nil
}

// UpdateOperation persists the progress fields of an existing operation.
func (s *Store) UpdateOperation(ctx context.Context, op *operation.Operation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_operations
		SET resource = $2, status = $3, progress = $4, message = $5, ended_on = $6, updated_at = $7
		WHERE id = $1`,
		op.ID, op.Resource, op.Status, op.Progress, op.Message, op.EndedOn, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrOperationNotFound
	}
	return nil
}

// DeleteOperation removes an operation. Its notifications go with it
// through ON DELETE CASCADE.
func (s *Store) DeleteOperation(ctx context.Context, operationID id.OperationID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleetjobs_operations WHERE id = $1`, operationID)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: delete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrOperationNotFound
	}
	return nil
}

// ListOperationsByExecution returns the operations opened by an execution.
func (s *Store) ListOperationsByExecution(ctx context.Context, executionID id.ExecutionID) ([]*operation.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM fleetjobs_operations
		WHERE execution_id = $1
		ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list operations: %w", err)
	}
	ops, err := collect(rows, scanOperation)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list operations: %w", err)
	}
	return ops, nil
}

const notificationColumns = `id, scope_id, operation_id, sent_on, status, resource, progress, message`

func scanNotification(row pgx.Row) (*operation.Notification, error) {
	n := &operation.Notification{}
	err := row.Scan(&n.ID, &n.ScopeID, &n.OperationID, &n.SentOn, &n.Status, &n.Resource, &n.Progress, &n.Message)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// CreateNotification persists a notification for an existing operation.
func (s *Store) CreateNotification(ctx context.Context, n *operation.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.ScopeID, n.OperationID, n.SentOn, n.Status, n.Resource, n.Progress, n.Message,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrOperationNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create notification: %w", err)
	}
	return nil
}

// ListNotifications returns an operation's notifications in recording order.
func (s *Store) ListNotifications(ctx context.Context, operationID id.OperationID) ([]*operation.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM fleetjobs_notifications
		WHERE operation_id = $1
		ORDER BY seq`, operationID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list notifications: %w", err)
	}
	notes, err := collect(rows, scanNotification)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list notifications: %w", err)
	}
	return notes, nil
}
