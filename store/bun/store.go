package bunstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/migrate"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

//go:embed migrations
var migrationsFS embed.FS

// NotifyChannel is the PostgreSQL channel Push notifies on.
const NotifyChannel = "conveyor_jobs"

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is a Bun ORM implementation of store.Store. The same code serves
// PostgreSQL, MySQL and SQLite; the dialect of the *bun.DB selects the
// migration set and the claim lock clause.
//
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db      *bun.DB
	dialect dialect.Name
	logger  *slog.Logger
	policy  backoff.Policy
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetryPolicy sets the policy applied by Retry.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// New creates a new Bun store. The caller owns the db lifecycle; the Store
// will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: db.Dialect().Name(),
		logger:  slog.Default(),
		policy:  backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

func (s *Store) migrationDir() (string, error) {
	switch s.dialect {
	case dialect.PG:
		return "migrations/pg", nil
	case dialect.MySQL:
		return "migrations/mysql", nil
	case dialect.SQLite:
		return "migrations/sqlite", nil
	default:
		return "", fmt.Errorf("%w: unsupported dialect %s", conveyor.ErrMigrationFailed, s.dialect)
	}
}

// Migrate applies the embedded migrations for the store's dialect. It holds
// the migration lock for the duration so concurrent processes starting at
// once apply each version exactly once.
func (s *Store) Migrate(ctx context.Context) error {
	dir, err := s.migrationDir()
	if err != nil {
		return err
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("%w: %w", conveyor.ErrMigrationFailed, err)
	}

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(sub); err != nil {
		return fmt.Errorf("%w: discover: %w", conveyor.ErrMigrationFailed, err)
	}

	migrator := migrate.NewMigrator(s.db, migrations,
		migrate.WithTableName("conveyor_migrations"),
		migrate.WithLocksTableName("conveyor_migration_locks"),
	)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("%w: init: %w", conveyor.ErrMigrationFailed, err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("%w: lock: %w", conveyor.ErrMigrationFailed, err)
	}
	defer func() {
		if unlockErr := migrator.Unlock(ctx); unlockErr != nil {
			s.logger.Warn("release migration lock", slog.String("error", unlockErr.Error()))
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", conveyor.ErrMigrationFailed, err)
	}
	if group.IsZero() {
		s.logger.Debug("schema up to date", slog.String("dialect", s.dialect.String()))
		return nil
	}
	s.logger.Info("applied migrations",
		slog.String("dialect", s.dialect.String()),
		slog.String("group", group.String()),
	)
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return conveyor.Unavailable(err)
	}
	return nil
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
