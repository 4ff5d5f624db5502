package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/db"
)

// openDatabase builds the shared read/write pool for the configured
// driver. SQLite splits writer and reader connections so reads stay
// concurrent under WAL; postgres pools internally and shares one handle.
func openDatabase(cfg config.DatabaseConfig) (*db.Pool, error) {
	switch cfg.Driver {
	case "sqlite3":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		return db.NewPool(sqlx.NewDb(writer, cfg.Driver), sqlx.NewDb(reader, cfg.Driver)), nil
	case "pgx":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, 2)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		shared := sqlx.NewDb(conn, cfg.Driver)
		return db.NewPool(shared, shared), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
