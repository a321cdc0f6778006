package operation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
)

// BeginParams describes an operation about to be dispatched.
type BeginParams struct {
	ScopeID         string
	DeviceID        id.DeviceID
	AppID           string
	Action          device.Action
	Resource        string
	InputProperties map[string]string

	JobID       id.JobID
	ExecutionID id.ExecutionID
	TargetID    id.TargetID
	StepIndex   int
}

// NotificationParams is a progress report received from a device.
type NotificationParams struct {
	ScopeID     string
	OperationID id.OperationID
	Status      Status
	Progress    int
	Resource    string
	Message     string
	// SentOn defaults to the time of recording.
	SentOn time.Time
}

// Registry records operations and notifications.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Begin records a new RUNNING operation and returns it.
func (r *Registry) Begin(ctx context.Context, p BeginParams) (*Operation, error) {
	now := r.now()
	op := &Operation{
		Entity:          fleetjobs.NewEntity(),
		ID:              id.NewOperationID(),
		ScopeID:         p.ScopeID,
		DeviceID:        p.DeviceID,
		AppID:           p.AppID,
		Action:          p.Action,
		Resource:        p.Resource,
		Status:          StatusRunning,
		StartedOn:       now,
		InputProperties: maps.Clone(p.InputProperties),
		JobID:           p.JobID,
		ExecutionID:     p.ExecutionID,
		TargetID:        p.TargetID,
		StepIndex:       p.StepIndex,
	}
	if err := r.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("operation: begin: %w", err)
	}
	return op, nil
}

// Get returns an operation.
func (r *Registry) Get(ctx context.Context, operationID id.OperationID) (*Operation, error) {
	return r.store.GetOperation(ctx, operationID)
}

// Notifications returns the notifications recorded for an operation.
func (r *Registry) Notifications(ctx context.Context, operationID id.OperationID) ([]*Notification, error) {
	return r.store.ListNotifications(ctx, operationID)
}

// RecordNotification appends a notification and makes its status the
// operation's current status. It returns fleetjobs.ErrOperationNotFound
// for an unknown operation; callers log and drop those.
func (r *Registry) RecordNotification(ctx context.Context, p NotificationParams) (*Operation, error) {
	op, err := r.store.GetOperation(ctx, p.OperationID)
	if err != nil {
		return nil, err
	}

	sentOn := p.SentOn
	if sentOn.IsZero() {
		sentOn = r.now()
	}
	n := &Notification{
		ID:          id.NewNotificationID(),
		ScopeID:     op.ScopeID,
		OperationID: op.ID,
		SentOn:      sentOn,
		Status:      p.Status,
		Resource:    p.Resource,
		Progress:    clampProgress(p.Progress),
		Message:     p.Message,
	}
	if err := r.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("operation: record notification: %w", err)
	}

	op.Status = n.Status
	op.Progress = n.Progress
	op.Message = n.Message
	op.Touch(r.now())
	if n.Status.IsTerminal() {
		ended := op.UpdatedAt
		op.EndedOn = &ended
	} else {
		op.EndedOn = nil
	}
	if err := r.store.UpdateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("operation: update status: %w", err)
	}
	return op, nil
}

// CleanupOnJobEnd deletes every operation opened by the execution. Failures
// are logged and skipped; the number of deleted operations is returned.
func (r *Registry) CleanupOnJobEnd(ctx context.Context, executionID id.ExecutionID) int {
	ops, err := r.store.ListOperationsByExecution(ctx, executionID)
	if err != nil {
		r.logger.Error("list operations for cleanup failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
		return 0
	}

	deleted := 0
	for _, op := range ops {
		if err := r.store.DeleteOperation(ctx, op.ID); err != nil {
			r.logger.Error("delete operation failed",
				slog.String("operation_id", op.ID.String()),
				slog.String("execution_id", executionID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	return deleted
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
