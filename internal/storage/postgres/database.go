package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MaintenanceDB is the database RecreateDatabase connects to while it drops
// and creates the target.
const MaintenanceDB = "postgres"

// RecreateDatabase drops the database named in dsn and creates it again,
// UTF-8 encoded from template0. It connects to MaintenanceDB on the same
// server with the same credentials, since a session cannot drop the database
// it is connected to. All data in the target database is lost.
func RecreateDatabase(ctx context.Context, dsn string) error {
	cfg, name, err := maintenanceConfig(dsn)
	if err != nil {
		return err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: connect %s: %w", MaintenanceDB, err)
	}
	defer conn.Close(context.Background())

	// DROP/CREATE DATABASE cannot run inside a transaction block, so each
	// statement goes out on its own.
	for _, q := range recreateDatabaseSQL(name) {
		if _, err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: recreate database %s: %w", name, err)
		}
	}
	return nil
}

// maintenanceConfig parses dsn and points it at MaintenanceDB, returning the
// original database name.
func maintenanceConfig(dsn string) (*pgx.ConnConfig, string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: parse dsn: %w", err)
	}
	name := cfg.Database
	switch name {
	case "":
		return nil, "", fmt.Errorf("postgres: dsn names no database")
	case MaintenanceDB:
		return nil, "", fmt.Errorf("postgres: refusing to recreate the %s database", MaintenanceDB)
	}
	cfg.Database = MaintenanceDB
	return cfg, name, nil
}

func recreateDatabaseSQL(name string) []string {
	ident := pgIdent(name)
	return []string{
		"DROP DATABASE IF EXISTS " + ident,
		"CREATE DATABASE " + ident + " WITH ENCODING 'utf8' TEMPLATE template0",
	}
}
