// Package database provides the SQLite store of the Tuya bridge.
//
// The store holds per-device attributes: the persisted capability
// specification and data-point slot resolutions. It is opened once at
// startup and migrated from SQL files embedded in the binary.
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
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT, and
// every file YYYYMMDD_HHMMSS_name.up.sql should have a matching .down.sql.
package database
