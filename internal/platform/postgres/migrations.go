package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/discover-tasks/internal/platform/migrate"
)

// MigrationTableName is the goose version table for the Requester schema.
const MigrationTableName = "schema_migrations"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open connects to Postgres through pgx and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate runs a goose command against the Requester schema.
func Migrate(ctx context.Context, db *sql.DB, command string, logger *slog.Logger) error {
	return migrate.Run(ctx, db, migrate.Options{
		Dialect:   "postgres",
		FS:        migrationFS,
		Dir:       "migrations",
		TableName: MigrationTableName,
		Logger:    logger,
	}, command)
}
