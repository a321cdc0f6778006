// Package redis stores device traffic in Redis: operations as Hashes,
// their notifications as Streams, and device connections as Hashes indexed
// per scope. It implements operation.Store and device.ConnectionStore.
//
// Layer combines it with a durable store so the engine can run with jobs,
// triggers and the execution queue in Postgres while high-volume device
// records live in Redis:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	pg, _ := postgres.New(ctx, connString)
//	s := redisstore.Layer(pg, redisstore.New(client))
//	orch, _ := fleetjobs.New(fleetjobs.WithStore(s))
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/operation"
)

// Compile-time interface checks.
var (
	_ operation.Store        = (*Store)(nil)
	_ device.ConnectionStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store keeps operations, notifications and device connections in Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
