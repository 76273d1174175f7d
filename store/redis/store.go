package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNamespace isolates this store's keys from other workloads sharing the
// same Redis.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.keys = newKeys(ns) }
}

// WithRetryPolicy sets the policy applied by Retry.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keys
	logger *slog.Logger
	policy backoff.Policy
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   newKeys(DefaultNamespace),
		logger: slog.Default(),
		policy: backoff.DefaultPolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate preloads the Lua scripts. Redis needs no schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, script := range []*goredis.Script{
		pushScript, claimScript, transitionScript, heartbeatScript, reapScript,
		vacuumScript, saveScheduleScript, advanceScript, updateExistingScript,
	} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return conveyor.Unavailable(err)
		}
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return conveyor.Unavailable(err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
