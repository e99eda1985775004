package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

const columns = `id, kind, title, content, vault_id, remote_id, revision_date,
	is_locally_modified, offline_source, deleted, created_at, updated_at`

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

func (r *SQLRepository) Upsert(ctx context.Context, rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	snap, err := rec.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot record %s: %w", rec.ID, err)
	}
	content, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	var (
		vaultID, remoteID sql.NullString
		revision          int64
		modified          bool
	)
	if rec.Remote != nil {
		vaultID = dbx.NullString(rec.Remote.VaultID)
		remoteID = dbx.NullString(rec.Remote.RemoteID)
		revision = dbx.Millis(rec.Remote.RevisionDate)
		modified = rec.Remote.IsLocallyModified
	}

	_, err = r.db.ExecContext(ctx, r.d.Rebind(`
		INSERT INTO records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			content = excluded.content,
			vault_id = excluded.vault_id,
			remote_id = excluded.remote_id,
			revision_date = excluded.revision_date,
			is_locally_modified = excluded.is_locally_modified,
			offline_source = excluded.offline_source,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`),
		rec.ID, string(rec.Kind()), rec.Title.Value, string(content),
		vaultID, remoteID, revision, modified,
		dbx.NullString(rec.OfflineSource), rec.Deleted,
		dbx.Millis(rec.CreatedAt), dbx.Millis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Record, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM records WHERE id = ?`, id)
}

func (r *SQLRepository) GetByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.Record, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM records WHERE vault_id = ? AND remote_id = ?`, vaultID, remoteID)
}

func (r *SQLRepository) getOne(ctx context.Context, query string, args ...any) (*models.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, r.d.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListByVault returns every record linked to the vault, tombstones included.
func (r *SQLRepository) ListByVault(ctx context.Context, vaultID string) ([]*models.Record, error) {
	return r.query(ctx, `SELECT `+columns+` FROM records WHERE vault_id = ? ORDER BY created_at, id`, vaultID)
}

// ListUnlinked returns live records that carry no linkage at all.
func (r *SQLRepository) ListUnlinked(ctx context.Context) ([]*models.Record, error) {
	return r.query(ctx, `SELECT `+columns+` FROM records
		WHERE vault_id IS NULL AND offline_source IS NULL AND deleted = ?
		ORDER BY created_at, id`, false)
}

func (r *SQLRepository) List(ctx context.Context, f Filter) ([]*models.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.VaultID != "" {
		where = append(where, "vault_id = ?")
		args = append(args, f.VaultID)
	}
	if f.LocalOnly {
		where = append(where, "vault_id IS NULL")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Query != "" {
		where = append(where, "LOWER(title) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted = ?")
		args = append(args, false)
	}

	query := `SELECT ` + columns + ` FROM records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY title, id`
	return r.query(ctx, query, args...)
}

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return result, nil
}

// UpdateRemoteState records the outcome of a delivered operation.
func (r *SQLRepository) UpdateRemoteState(ctx context.Context, id, remoteID string, revision time.Time, modified bool) error {
	return r.exec(ctx, id, `UPDATE records SET remote_id = ?, revision_date = ?, is_locally_modified = ?, updated_at = ?
		WHERE id = ? AND vault_id IS NOT NULL`,
		dbx.NullString(remoteID), dbx.Millis(revision), modified, dbx.Millis(time.Now()), id)
}

func (r *SQLRepository) SetLocallyModified(ctx context.Context, id string, modified bool) error {
	return r.exec(ctx, id, `UPDATE records SET is_locally_modified = ? WHERE id = ? AND vault_id IS NOT NULL`, modified, id)
}

func (r *SQLRepository) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM records WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) DeleteByVault(ctx context.Context, vaultID string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM records WHERE vault_id = ?`), vaultID); err != nil {
		return fmt.Errorf("failed to delete records of vault %s: %w", vaultID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec                  models.Record
		kind, title, content string
		vaultID, remoteID    sql.NullString
		offline              sql.NullString
		revision             int64
		modified             bool
		createdAt, updatedAt int64
	)
	err := s.Scan(&rec.ID, &kind, &title, &content, &vaultID, &remoteID, &revision,
		&modified, &offline, &rec.Deleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	snap, err := models.UnmarshalSnapshot([]byte(content))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: record %s has no content", models.ErrInvalidRecord, rec.ID)
	}
	if err := snap.ApplyTo(&rec); err != nil {
		return nil, err
	}

	if vaultID.Valid {
		rec.Remote = &models.RemoteLink{
			VaultID:           vaultID.String,
			RemoteID:          remoteID.String,
			RevisionDate:      dbx.FromMillis(revision),
			IsLocallyModified: modified,
		}
	}
	rec.OfflineSource = offline.String
	rec.CreatedAt = dbx.FromMillis(createdAt)
	rec.UpdatedAt = dbx.FromMillis(updatedAt)
	return &rec, nil
}
