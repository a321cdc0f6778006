package operation

import (
	"context"

	"github.com/xraph/fleetjobs/id"
)

// Store persists operations and their notifications.
type Store interface {
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, operationID id.OperationID) (*Operation, error)
	UpdateOperation(ctx context.Context, op *Operation) error

	// DeleteOperation removes the operation and its notifications.
	DeleteOperation(ctx context.Context, operationID id.OperationID) error

	ListOperationsByExecution(ctx context.Context, executionID id.ExecutionID) ([]*Operation, error)

	CreateNotification(ctx context.Context, n *Notification) error

	// ListNotifications returns the operation's notifications in the order
	// they were recorded.
	ListNotifications(ctx context.Context, operationID id.OperationID) ([]*Notification, error)
}
