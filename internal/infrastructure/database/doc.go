// Package database provides SQLite connectivity for the supervisor's run
// history.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations read from an fs.FS (see package migrations)
//   - Connection lifecycle
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or have DEFAULT
// values, and each migration ships both .up.sql and .down.sql.
package database
