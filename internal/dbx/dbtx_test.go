package dbx

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	return n
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('ok')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db))
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := setupDB(t)
	boom := errors.New("boom")

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		_, e := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('fail')`)
		require.NoError(t, e)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, db))
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db := setupDB(t)

	assert.Panics(t, func() {
		_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
			_, e := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('panic')`)
			require.NoError(t, e)
			panic("kaput")
		})
	})
	assert.Equal(t, 0, countRows(t, db))
}

func TestWithTx_BeginError(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.Close())

	called := false
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestDialect_Rebind(t *testing.T) {
	q := `UPDATE t SET v = ?, note = 'what?' WHERE id = ? AND v <> ?`

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t,
		`UPDATE t SET v = $1, note = 'what?' WHERE id = $2 AND v <> $3`,
		Postgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("SQLite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	assert.Equal(t, "sqlite", d.DriverName())

	d, err = ParseDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.DriverName())

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	assert.True(t, now.Equal(FromMillis(Millis(now))))
	assert.Zero(t, Millis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())

	assert.False(t, NullMillis(time.Time{}).Valid)
	assert.True(t, now.Equal(FromNullMillis(NullMillis(now))))
	assert.False(t, NullString("").Valid)
}

func TestWithTx_CommitError(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return tx.(*sql.Tx).Rollback()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrTxDone)
}
