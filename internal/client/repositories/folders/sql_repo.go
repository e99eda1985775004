package folders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

const columns = `id, vault_id, remote_id, name, category_id, revision_date, last_synced_at, is_locally_modified`

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

// Upsert inserts or replaces a folder, keyed by (vault, remote id). The local
// id of an existing row is kept and written back to f.
func (r *SQLRepository) Upsert(ctx context.Context, f *models.Folder) error {
	name, err := json.Marshal(f.Name)
	if err != nil {
		return fmt.Errorf("failed to encode folder name: %w", err)
	}

	err = r.db.QueryRowContext(ctx, r.d.Rebind(`
		INSERT INTO folders (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vault_id, remote_id) DO UPDATE SET
			name = excluded.name,
			category_id = excluded.category_id,
			revision_date = excluded.revision_date,
			last_synced_at = excluded.last_synced_at,
			is_locally_modified = excluded.is_locally_modified
		RETURNING id
	`),
		f.ID, f.VaultID, f.RemoteID, string(name), dbx.NullString(f.CategoryID),
		dbx.Millis(f.RevisionDate), dbx.Millis(f.LastSyncedAt), f.IsLocallyModified,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", f.RemoteID, err)
	}
	return nil
}

func (r *SQLRepository) GetByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.Folder, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM folders WHERE vault_id = ? AND remote_id = ?`), vaultID, remoteID)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder %s: %w", remoteID, err)
	}
	return f, nil
}

func (r *SQLRepository) ListByVault(ctx context.Context, vaultID string) ([]*models.Folder, error) {
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM folders WHERE vault_id = ? ORDER BY remote_id`), vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var result []*models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder row: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate folder rows: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM folders WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) DeleteByVault(ctx context.Context, vaultID string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM folders WHERE vault_id = ?`), vaultID); err != nil {
		return fmt.Errorf("failed to delete folders of vault %s: %w", vaultID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFolder(s scanner) (*models.Folder, error) {
	var (
		f                  models.Folder
		name               string
		category           sql.NullString
		revision, lastSync int64
	)
	if err := s.Scan(&f.ID, &f.VaultID, &f.RemoteID, &name, &category, &revision, &lastSync, &f.IsLocallyModified); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(name), &f.Name); err != nil {
		return nil, fmt.Errorf("failed to decode folder name: %w", err)
	}
	f.CategoryID = category.String
	f.RevisionDate = dbx.FromMillis(revision)
	f.LastSyncedAt = dbx.FromMillis(lastSync)
	return &f, nil
}
