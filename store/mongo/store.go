package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// DefaultNamespace prefixes the collection names when WithNamespace is not
// given.
const DefaultNamespace = "conveyor"

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store. Jobs are one document
// each keyed by job ID; claims are single FindOneAndUpdate calls and every
// other transition is an UpdateOne filtered on the lease.
//
// The caller owns the client lifecycle; Store never disconnects it.
type Store struct {
	db        *mongod.Database
	jobs      *mongod.Collection
	schedules *mongod.Collection
	logger    *slog.Logger
	policy    backoff.Policy
	namespace string
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNamespace sets the collection name prefix.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// WithRetryPolicy sets the policy applied by Retry.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// New creates a new MongoDB store on db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:        db,
		logger:    slog.Default(),
		policy:    backoff.DefaultPolicy(),
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = db.Collection(s.namespace + "_jobs")
	s.schedules = db.Collection(s.namespace + "_schedules")
	return s
}

// Database returns the underlying database for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the indexes the store relies on. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range s.migrationIndexes() {
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: conveyor/mongo: %s indexes: %w", conveyor.ErrMigrationFailed, col.Name(), err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return conveyor.Unavailable(err)
	}
	return nil
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// wrap annotates err with the operation and marks it as a backend failure.
func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return conveyor.Unavailable(fmt.Errorf("conveyor/mongo: %s: %w", op, err))
}

func (s *Store) migrationIndexes() map[*mongod.Collection][]mongod.IndexModel {
	return map[*mongod.Collection][]mongod.IndexModel{
		s.jobs: {
			// Claim order.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "run_at", Value: 1},
				{Key: "_id", Value: 1},
			}},
			// Orphan scan.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "lock_at", Value: 1},
			}},
			// Vacuum.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "done_at", Value: 1},
			}},
		},
		s.schedules: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
