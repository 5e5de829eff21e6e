// Package migrate runs goose migrations embedded in the store packages.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

// Commands accepted by Run.
const (
	CommandUp      = "up"
	CommandDown    = "down"
	CommandReset   = "reset"
	CommandStatus  = "status"
	CommandVersion = "version"
)

// goose keeps dialect, base FS and table name in package globals.
var gooseMu sync.Mutex

// Options describes one migration set.
type Options struct {
	// Dialect is a goose dialect name such as "postgres" or "sqlite3".
	Dialect string
	// FS holds the migration files; Dir is the directory inside it.
	FS        fs.FS
	Dir       string
	TableName string
	Logger    *slog.Logger
}

// Run executes command against db.
func Run(ctx context.Context, db *sql.DB, opts Options, command string) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "migrations", "command", command, "dialect", opts.Dialect)

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(&slogGooseLogger{logger: log})
	goose.SetBaseFS(opts.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(opts.Dialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if opts.TableName != "" {
		goose.SetTableName(opts.TableName)
	}

	start := time.Now()
	var err error
	switch command {
	case CommandUp:
		err = goose.UpContext(ctx, db, opts.Dir)
	case CommandDown:
		err = goose.DownContext(ctx, db, opts.Dir)
	case CommandReset:
		err = goose.ResetContext(ctx, db, opts.Dir)
	case CommandStatus:
		err = goose.StatusContext(ctx, db, opts.Dir)
	case CommandVersion:
		err = goose.VersionContext(ctx, db, opts.Dir)
	default:
		return fmt.Errorf("unknown migration command: %s (expected up, down, reset, status, or version)", command)
	}
	if err != nil {
		log.Error("migration failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return fmt.Errorf("migration %s failed: %w", command, err)
	}

	log.Info("migration finished", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// slogGooseLogger adapts the goose logger interface to slog.
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs at error level and does not exit; Run returns the error instead.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
