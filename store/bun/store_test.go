//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	mysqlmodule "github.com/testcontainers/testcontainers-go/modules/mysql"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/store"
	bunstore "github.com/xraph/conveyor/store/bun"
	"github.com/xraph/conveyor/store/storetest"
)

// startPostgres starts a Postgres container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("conveyor_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

// resettable migrates db once and returns a factory that empties the
// tables before handing the store to each subtest.
func resettable(t *testing.T, db *bun.DB) storetest.Factory {
	t.Helper()
	ctx := context.Background()

	s := bunstore.New(db, bunstore.WithRetryPolicy(storetest.Policy()))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	return func(t *testing.T) store.Store {
		for _, table := range []string{"conveyor_jobs", "conveyor_schedules"} {
			if _, err := db.NewDelete().TableExpr(table).Where("1 = 1").Exec(ctx); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		return s
	}
}

func TestPostgresContract(t *testing.T) {
	dsn := startPostgres(t)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	storetest.Run(t, resettable(t, db))
}

func TestMySQLContract(t *testing.T) {
	ctx := context.Background()

	container, err := mysqlmodule.Run(ctx,
		"mysql:8.4",
		mysqlmodule.WithDatabase("conveyor_test"),
		mysqlmodule.WithUsername("test"),
		mysqlmodule.WithPassword("test"),
	)
	if err != nil {
		t.Fatalf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	raw, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	cfg, err := mysqldriver.ParseDSN(raw)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC

	connector, err := mysqldriver.NewConnector(cfg)
	if err != nil {
		t.Fatalf("mysql connector: %v", err)
	}
	db := bun.NewDB(sql.OpenDB(connector), mysqldialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	storetest.Run(t, resettable(t, db))
}

func TestPostgresListenerWakesOnPush(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})
	s := bunstore.New(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	l := bunstore.NewListener(pool, nil)
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = l.Stop(ctx)
	})

	j, _ := job.New("wake", nil, job.DefaultOptions())
	// The listener subscribes asynchronously; push until a wake-up arrives.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for pushed := false; ; {
		if !pushed {
			if err := s.Push(ctx, j); err != nil {
				t.Fatalf("push: %v", err)
			}
			pushed = true
		}
		select {
		case <-l.Wake():
			return
		case <-ticker.C:
			j, _ = job.New("wake", nil, job.DefaultOptions())
			pushed = false
		case <-deadline:
			t.Fatal("no wake-up received after push")
		}
	}
}
