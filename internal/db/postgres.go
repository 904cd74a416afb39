package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/parallelwork/parallelwork/internal/common/config"
)

// OpenPostgres opens a PostgreSQL database connection using pgx.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// Open selects the backend from configuration and returns a ready connection.
func Open(cfg *config.Config) (*sqlx.DB, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return OpenPostgres(cfg.Storage.DSN(), cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		return OpenSQLite(cfg.DataPath())
	}
}
