// Package bunstore implements store.Store on the Bun ORM. One
// implementation serves PostgreSQL, MySQL and SQLite; the dialect of the
// *bun.DB selects the embedded migration set and whether claims use
// FOR UPDATE SKIP LOCKED.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it. Pass the
// db handle through the constructor:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/conveyor/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
//
// MySQL connections must set parseTime=true and clientFoundRows=true so
// that times scan into time.Time and conditional updates report matched
// rather than changed rows. SQLite handles should be limited to a single
// open connection.
package bunstore
