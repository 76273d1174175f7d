package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/store"
	bunstore "github.com/xraph/conveyor/store/bun"
	"github.com/xraph/conveyor/store/memory"
	mongostore "github.com/xraph/conveyor/store/mongo"
	redisstore "github.com/xraph/conveyor/store/redis"
)

const (
	backendPostgres = "postgres"
	backendMySQL    = "mysql"
	backendSQLite   = "sqlite"
	backendRedis    = "redis"
	backendMongo    = "mongo"
	backendMemory   = "memory"

	defaultSQLiteDSN = "file:conveyor.db?cache=shared&_pragma=busy_timeout(5000)"
)

// backend is an opened store plus the connections the CLI owns.
type backend struct {
	store store.Store
	// listener is set for PostgreSQL only.
	listener *bunstore.Listener
	closers  []func() error
}

// Close releases every connection in reverse open order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackend connects to the configured backend and checks connectivity.
func openBackend(ctx context.Context, cfg *config, logger *slog.Logger) (*backend, error) {
	var (
		b   *backend
		err error
	)
	switch cfg.Backend {
	case backendPostgres:
		b, err = openPostgres(ctx, cfg, logger)
	case backendMySQL:
		b, err = openMySQL(cfg, logger)
	case backendSQLite:
		b, err = openSQLite(cfg, logger)
	case backendRedis:
		b, err = openRedis(cfg, logger)
	case backendMongo:
		b, err = openMongo(cfg, logger)
	case backendMemory:
		b = &backend{store: memory.New()}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.store.Ping(pingCtx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Backend, err)
	}
	return b, nil
}

func requireDSN(cfg *config) error {
	if cfg.DSN == "" {
		return fmt.Errorf("%s backend requires CONVEYOR_DSN", cfg.Backend)
	}
	return nil
}

func openPostgres(ctx context.Context, cfg *config, logger *slog.Logger) (*backend, error) {
	if err := requireDSN(cfg); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// One connection per slot plus the listener and the lease loops.
	if want := int32(cfg.Concurrency + 4); poolCfg.MaxConns < want {
		poolCfg.MaxConns = want
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, conveyor.Unavailable(err)
	}

	sqldb := stdlib.OpenDBFromPool(pool)
	db := bun.NewDB(sqldb, pgdialect.New())
	return &backend{
		store:    bunstore.New(db, bunstore.WithLogger(logger)),
		listener: bunstore.NewListener(pool, logger),
		closers: []func() error{
			func() error { pool.Close(); return nil },
			db.Close,
		},
	}, nil
}

func openMySQL(cfg *config, logger *slog.Logger) (*backend, error) {
	if err := requireDSN(cfg); err != nil {
		return nil, err
	}
	mc, err := mysqldriver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// Timestamps are stored and compared in UTC; ownership checks rely on
	// matched rather than changed row counts.
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.ClientFoundRows = true

	connector, err := mysqldriver.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := bun.NewDB(sql.OpenDB(connector), mysqldialect.New())
	return &backend{
		store:   bunstore.New(db, bunstore.WithLogger(logger)),
		closers: []func() error{db.Close},
	}, nil
}

func openSQLite(cfg *config, logger *slog.Logger) (*backend, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	return &backend{
		store:   bunstore.New(db, bunstore.WithLogger(logger)),
		closers: []func() error{db.Close},
	}, nil
}

func openRedis(cfg *config, logger *slog.Logger) (*backend, error) {
	if err := requireDSN(cfg); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	return &backend{
		store: redisstore.New(client,
			redisstore.WithNamespace(cfg.Namespace),
			redisstore.WithLogger(logger),
		),
		closers: []func() error{client.Close},
	}, nil
}

func openMongo(cfg *config, logger *slog.Logger) (*backend, error) {
	if err := requireDSN(cfg); err != nil {
		return nil, err
	}
	client, err := mongod.Connect(options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &backend{
		store: mongostore.New(client.Database(cfg.MongoDatabase),
			mongostore.WithNamespace(cfg.Namespace),
			mongostore.WithLogger(logger),
		),
		closers: []func() error{
			func() error { return client.Disconnect(context.Background()) },
		},
	}, nil
}
