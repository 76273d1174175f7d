// Package store defines the aggregate persistence interface.
//
// The job and schedule packages each define their own store interface. The
// composite [Store] composes them, so one backend satisfies the Storage
// Contract and the schedule trigger's persistence at once.
//
// # Available Backends
//
//   - store/memory: in-process store for development and testing
//   - store/bun: relational backend for PostgreSQL, MySQL and SQLite
//   - store/redis: key-value backend built on Lua scripts
//   - store/mongo: MongoDB document backend
//
// # Migrations
//
// Call Migrate once at startup. A migration failure is the only error that
// should abort process startup:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store

import (
	"context"

	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store
	schedule.Store

	// Migrate applies schema migrations. It is idempotent.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources the store owns.
	Close() error
}
