package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
)

const connectionColumns = `scope_id, device_id, status, connected_on, disconnected_on, sessions,
	created_at, updated_at`

func scanConnection(row pgx.Row) (*device.Connection, error) {
	c := &device.Connection{}
	err := row.Scan(
		&c.ScopeID, &c.DeviceID, &c.Status, &c.ConnectedOn, &c.DisconnectedOn, &c.Sessions,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConnection retrieves the connection record of a device.
func (s *Store) GetConnection(ctx context.Context, scopeID string, deviceID id.DeviceID) (*device.Connection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM fleetjobs_connections
		WHERE scope_id = $1 AND device_id = $2`, scopeID, deviceID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get connection: %w", err)
	}
	return c, nil
}

// SaveConnection inserts or replaces a device's connection record.
func (s *Store) SaveConnection(ctx context.Context, c *device.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope_id, device_id) DO UPDATE SET
			status = EXCLUDED.status,
			connected_on = EXCLUDED.connected_on,
			disconnected_on = EXCLUDED.disconnected_on,
			sessions = EXCLUDED.sessions,
			updated_at = EXCLUDED.updated_at`,
		c.ScopeID, c.DeviceID, c.Status, c.ConnectedOn, c.DisconnectedOn, c.Sessions,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: save connection: %w", err)
	}
	return nil
}

// ListConnections returns the connections of a scope.
func (s *Store) ListConnections(ctx context.Context, scopeID string) ([]*device.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+` FROM fleetjobs_connections
		WHERE scope_id = $1
		ORDER BY created_at, device_id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list connections: %w", err)
	}
	conns, err := collect(rows, scanConnection)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list connections: %w", err)
	}
	return conns, nil
}
