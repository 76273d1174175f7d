package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/store"
	bunstore "github.com/xraph/conveyor/store/bun"
	"github.com/xraph/conveyor/store/storetest"
)

var _ store.Store = (*bunstore.Store)(nil)

// newSQLiteStore opens a private in-memory database and migrates it.
func newSQLiteStore(t *testing.T) *bunstore.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", id.NewJobID())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	s := bunstore.New(db, bunstore.WithRetryPolicy(storetest.Policy()))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newSQLiteStore(t)
	})
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestSQLitePreservesTimes(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	runAt := conveyor.Now().Add(-1500 * time.Millisecond)
	opts := job.DefaultOptions()
	opts.RunAt = runAt
	j, err := job.New("clock", nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RunAt.Equal(runAt) {
		t.Fatalf("RunAt = %v, want %v", got.RunAt, runAt)
	}
	if got.RunAt.Location() != time.UTC {
		t.Errorf("RunAt location = %v, want UTC", got.RunAt.Location())
	}
}

func TestSQLiteUnknownLease(t *testing.T) {
	s := newSQLiteStore(t)

	l := job.Lease{JobID: id.NewJobID(), WorkerID: id.NewWorkerID(), Token: 1}
	if err := s.Ack(context.Background(), l); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := newSQLiteStore(t)
	_ = s.DB().Close()

	_, err := s.ClaimNext(context.Background(), id.NewWorkerID(), time.Minute)
	if !errors.Is(err, conveyor.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
