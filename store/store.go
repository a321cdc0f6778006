package store

import (
	"context"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/trigger"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, memory) implements all of them.
type Store interface {
	job.Store
	queue.Store
	trigger.Store
	operation.Store
	device.ConnectionStore

	// Migrate runs all schema migrations and seeds the well-known trigger
	// definitions.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
