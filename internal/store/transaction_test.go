package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/phrazzld/discover-tasks/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE items (name TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return db
}

func countItems(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestRunInTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := openTestDB(t)
		err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countItems(t, db))
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := openTestDB(t)
		sentinel := errors.New("function failed")
		err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`); err != nil {
				return err
			}
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 0, countItems(t, db))
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		db := openTestDB(t)
		assert.Panics(t, func() {
			_ = store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
				_, _ = tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
				panic("boom")
			})
		})
		assert.Equal(t, 0, countItems(t, db))
	})
}
