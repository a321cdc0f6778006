package redis

import (
	"context"
	"errors"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/store"
)

var _ store.Store = (*Layered)(nil)

// Layered is a store.Store that keeps operations, notifications and device
// connections in Redis and everything else in a durable base store.
type Layered struct {
	store.Store
	devices *Store
}

// Layer returns a store.Store routing device traffic to dev and all other
// records to base.
func Layer(base store.Store, dev *Store) *Layered {
	return &Layered{Store: base, devices: dev}
}

// Ping checks both backends.
func (l *Layered) Ping(ctx context.Context) error {
	return errors.Join(l.Store.Ping(ctx), l.devices.Ping(ctx))
}

// CreateOperation implements operation.Store.
func (l *Layered) CreateOperation(ctx context.Context, op *operation.Operation) error {
	return l.devices.CreateOperation(ctx, op)
}

// GetOperation implements operation.Store.
func (l *Layered) GetOperation(ctx context.Context, operationID id.OperationID) (*operation.Operation, error) {
	return l.devices.GetOperation(ctx, operationID)
}

// UpdateOperation implements operation.Store.
func (l *Layered) UpdateOperation(ctx context.Context, op *operation.Operation) error {
	return l.devices.UpdateOperation(ctx, op)
}

// DeleteOperation implements operation.Store.
func (l *Layered) DeleteOperation(ctx context.Context, operationID id.OperationID) error {
	return l.devices.DeleteOperation(ctx, operationID)
}

// ListOperationsByExecution implements operation.Store.
func (l *Layered) ListOperationsByExecution(ctx context.Context, executionID id.ExecutionID) ([]*operation.Operation, error) {
	return l.devices.ListOperationsByExecution(ctx, executionID)
}

// CreateNotification implements operation.Store.
func (l *Layered) CreateNotification(ctx context.Context, n *operation.Notification) error {
	return l.devices.CreateNotification(ctx, n)
}

// ListNotifications implements operation.Store.
func (l *Layered) ListNotifications(ctx context.Context, operationID id.OperationID) ([]*operation.Notification, error) {
	return l.devices.ListNotifications(ctx, operationID)
}

// GetConnection implements device.ConnectionStore.
func (l *Layered) GetConnection(ctx context.Context, scopeID string, deviceID id.DeviceID) (*device.Connection, error) {
	return l.devices.GetConnection(ctx, scopeID, deviceID)
}

// SaveConnection implements device.ConnectionStore.
func (l *Layered) SaveConnection(ctx context.Context, c *device.Connection) error {
	return l.devices.SaveConnection(ctx, c)
}

// ListConnections implements device.ConnectionStore.
func (l *Layered) ListConnections(ctx context.Context, scopeID string) ([]*device.Connection, error) {
	return l.devices.ListConnections(ctx, scopeID)
}
