package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

func (r *SQLRepository) Get(ctx context.Context, key string) (string, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT value FROM metadata WHERE key = ?`), key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: setting %s", common.ErrNotFound, key)
	case err != nil:
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return string(raw), nil
}

// Set stores value, replacing any previous one.
func (r *SQLRepository) Set(ctx context.Context, key, value string) error {
	const q = `INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(q), key, []byte(value)); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

func (r *SQLRepository) Time(ctx context.Context, key string) (time.Time, error) {
	v, err := r.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("setting %s holds %q: %w", key, v, err)
	}
	return t, nil
}

func (r *SQLRepository) SetTime(ctx context.Context, key string, t time.Time) error {
	return r.Set(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
