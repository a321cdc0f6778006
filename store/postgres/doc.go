// Package postgres implements the fleetjobs store using pgx/v5 with raw
// SQL. Schema migrations are embedded SQL files applied by Migrate, which
// also seeds the well-known trigger definitions.
package postgres
