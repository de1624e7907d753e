// Package database provides SQLite connectivity for knxlink.
//
// The store holds the recorder tables (group addresses and source devices
// seen on the bus) and the optional group event log. It is optional: with
// database.enabled=false the service runs without it and the events
// endpoint reports 503.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Connection pool limits (one writer)
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql with an optional
// matching .down.sql. They are applied in version order, one transaction
// each.
package database
