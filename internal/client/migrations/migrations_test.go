package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

func TestEmbeddedDialectsMatch(t *testing.T) {
	lite, err := fs.Glob(Migrations, "sqlite/*.sql")
	require.NoError(t, err)
	pg, err := fs.Glob(Migrations, "postgres/*.sql")
	require.NoError(t, err)

	require.NotEmpty(t, lite)
	assert.Len(t, pg, len(lite), "every migration needs both dialects")
}

func TestUp_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Up(context.Background(), db, dbx.SQLite))
	require.NoError(t, Up(context.Background(), db, dbx.SQLite), "second run is a no-op")

	for _, table := range []string{"metadata", "vaults", "folders", "records", "conflicts", "pending_operations"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestUp_ExclusiveLinkageConstraint(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Up(context.Background(), db, dbx.SQLite))

	_, err = db.Exec(`INSERT INTO records (id, kind, title, content, vault_id, offline_source, created_at, updated_at)
		VALUES ('r', 'note', 't', '{}', 'v', 'file', 1, 1)`)
	assert.Error(t, err)
}

func TestUp_PostgresDirectory(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return errors.New("stop")
	}

	err := Up(context.Background(), nil, dbx.Postgres)
	assert.EqualError(t, err, "stop")
	assert.Equal(t, "postgres", gotDir)
}
