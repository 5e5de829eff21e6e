package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	// Registers the pure-Go "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/phrazzld/discover-tasks/internal/platform/migrate"
)

// MigrationTableName is the goose version table for the Executor schema.
const MigrationTableName = "goose_db_version"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the Executor database at path. A single
// connection serialises writers; WAL keeps readers from blocking them.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate runs a goose command against the Executor schema.
func Migrate(ctx context.Context, db *sql.DB, command string, logger *slog.Logger) error {
	return migrate.Run(ctx, db, migrate.Options{
		Dialect:   "sqlite3",
		FS:        migrationFS,
		Dir:       "migrations",
		TableName: MigrationTableName,
		Logger:    logger,
	}, command)
}

// OpenAndMigrate opens the database at path and applies all migrations.
func OpenAndMigrate(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, migrate.CommandUp, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
