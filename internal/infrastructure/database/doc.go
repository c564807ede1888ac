// Package database opens the bridge's local SQLite file and applies schema
// migrations.
//
// The store holds snapshot history and the command audit trail. It is
// observability data only: nothing the bridge needs to run is read back
// from it, and schedule slots are never persisted (the device cannot
// report them, so a stored copy would drift).
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a
// DEFAULT, and every .up.sql has a matching .down.sql.
package database
