// Package repotest opens migrated in-memory stores for repository tests.
package repotest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/JoyinJoester/Monica-sub008/internal/client/migrations"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

// NewDB returns a migrated in-memory SQLite database closed on cleanup.
// The pool is pinned to one connection so every query sees the same
// in-memory database; do not use the handle inside a running transaction.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open(dbx.SQLite.DriverName(), ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`PRAGMA foreign_keys = ON`)
	require.NoError(t, err)
	require.NoError(t, migrations.Up(context.Background(), db, dbx.SQLite))
	return db
}
