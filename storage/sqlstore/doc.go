// Package sqlstore provides a storage.Store on SQLite or PostgreSQL using
// github.com/jmoiron/sqlx.
//
//	store, err := sqlstore.Open(ctx, sqlstore.Config{
//	    Driver: sqlstore.DriverPostgres,
//	    DSN:    os.Getenv("DATABASE_URL"),
//	})
//
// Open applies the schema with CREATE ... IF NOT EXISTS. Codes and refresh
// tokens are consumed with DELETE ... RETURNING so the single-use guarantee
// holds across replicas sharing one database.
package sqlstore
