// Package database opens and migrates the service's SQLite store.
//
// The store holds everything the service persists: the flow reading
// history, the recipe execution journal, and the command audit trail.
// WAL mode keeps history queries from blocking the poll loop's writes,
// and the connection pool is pinned to a single connection to match
// SQLite's one-writer model.
//
// Schema migrations are embedded .sql files applied in filename order,
// each in its own transaction:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements, and the database file is
// created with 0600 permissions.
package database
