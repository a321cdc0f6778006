package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/lock"
)

// ConnectionStatus is the last known link state of a device.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// Connection records the link state of one device in a scope.
type Connection struct {
	fleetjobs.Entity

	ScopeID        string           `json:"scope_id"`
	DeviceID       id.DeviceID      `json:"device_id"`
	Status         ConnectionStatus `json:"status"`
	ConnectedOn    *time.Time       `json:"connected_on,omitempty"`
	DisconnectedOn *time.Time       `json:"disconnected_on,omitempty"`
	// Sessions counts how many times the device has connected.
	Sessions int `json:"sessions"`
}

// ConnectionStore persists device connections.
type ConnectionStore interface {
	// GetConnection returns fleetjobs.ErrConnectionNotFound for a device
	// that has never connected.
	GetConnection(ctx context.Context, scopeID string, deviceID id.DeviceID) (*Connection, error)

	// SaveConnection inserts or replaces the connection for its device.
	SaveConnection(ctx context.Context, c *Connection) error

	// ListConnections returns all connections in a scope.
	ListConnections(ctx context.Context, scopeID string) ([]*Connection, error)
}

// ConnectionRegistry serializes connect and disconnect events per device
// under lock.ClassConnection and records them.
type ConnectionRegistry struct {
	store  ConnectionStore
	locks  *lock.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewConnectionRegistry creates a ConnectionRegistry.
func NewConnectionRegistry(store ConnectionStore, locks *lock.Pool, logger *slog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		store:  store,
		locks:  locks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func connectionKey(scopeID string, deviceID id.DeviceID) string {
	return scopeID + "/" + deviceID.String()
}

// Connect records the device as connected and returns the updated record.
func (r *ConnectionRegistry) Connect(ctx context.Context, scopeID string, deviceID id.DeviceID) (*Connection, error) {
	return r.transition(ctx, scopeID, deviceID, StatusConnected)
}

// Disconnect records the device as disconnected and returns the updated
// record.
func (r *ConnectionRegistry) Disconnect(ctx context.Context, scopeID string, deviceID id.DeviceID) (*Connection, error) {
	return r.transition(ctx, scopeID, deviceID, StatusDisconnected)
}

// IsConnected reports whether the device's last recorded state is
// connected.
func (r *ConnectionRegistry) IsConnected(ctx context.Context, scopeID string, deviceID id.DeviceID) (bool, error) {
	c, err := r.store.GetConnection(ctx, scopeID, deviceID)
	if errors.Is(err, fleetjobs.ErrConnectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == StatusConnected, nil
}

func (r *ConnectionRegistry) transition(ctx context.Context, scopeID string, deviceID id.DeviceID, status ConnectionStatus) (*Connection, error) {
	c, err := lock.Run(ctx, r.locks, lock.ClassConnection, connectionKey(scopeID, deviceID), func(ctx context.Context) (*Connection, error) {
		c, err := r.store.GetConnection(ctx, scopeID, deviceID)
		switch {
		case errors.Is(err, fleetjobs.ErrConnectionNotFound):
			c = &Connection{Entity: fleetjobs.NewEntity(), ScopeID: scopeID, DeviceID: deviceID}
		case err != nil:
			return nil, err
		}

		now := r.now()
		if status == StatusConnected {
			if c.Status == StatusConnected {
				r.logger.Warn("device connected twice without disconnect",
					slog.String("scope_id", scopeID),
					slog.String("device_id", deviceID.String()),
				)
			}
			c.ConnectedOn = &now
			c.Sessions++
		} else {
			c.DisconnectedOn = &now
		}
		c.Status = status
		c.Touch(now)

		if err := r.store.SaveConnection(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("device: record %s for %s: %w", status, deviceID, err)
	}
	return c, nil
}
