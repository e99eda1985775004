package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

const columns = `id, vault_id, record_id, remote_id, conflict_type, local_snapshot, server_snapshot,
	local_revision, server_revision, summary, resolution, created_at, resolved_at`

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

func (r *SQLRepository) Insert(ctx context.Context, c *models.ConflictRecord) error {
	local, server, err := encodeSnapshots(c)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = models.ResolutionUnresolved
	}

	_, err = r.db.ExecContext(ctx, r.d.Rebind(`INSERT INTO conflicts (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.VaultID, dbx.NullString(c.RecordID), c.RemoteID, string(c.Type), local, server,
		dbx.Millis(c.LocalRevision), dbx.Millis(c.ServerRevision), c.Summary, string(c.Resolution),
		dbx.Millis(c.CreatedAt), dbx.NullMillis(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict %s: %w", c.ID, err)
	}
	return nil
}

// Refresh replaces the snapshots of an open conflict after another sync
// observed the item again.
func (r *SQLRepository) Refresh(ctx context.Context, c *models.ConflictRecord) error {
	local, server, err := encodeSnapshots(c)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`UPDATE conflicts SET
			conflict_type = ?, local_snapshot = ?, server_snapshot = ?,
			local_revision = ?, server_revision = ?, summary = ?
		WHERE id = ? AND resolution = ?`),
		string(c.Type), local, server, dbx.Millis(c.LocalRevision), dbx.Millis(c.ServerRevision), c.Summary,
		c.ID, string(models.ResolutionUnresolved),
	)
	if err != nil {
		return fmt.Errorf("failed to refresh conflict %s: %w", c.ID, err)
	}
	return requireRow(res, c.ID)
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.ConflictRecord, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM conflicts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

// FindOpenByRemoteID returns nil, nil when the item has no open conflict.
func (r *SQLRepository) FindOpenByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.ConflictRecord, error) {
	return r.findOpen(ctx, `vault_id = ? AND remote_id = ?`, vaultID, remoteID)
}

// FindOpenByRecordID returns nil, nil when the record has no open conflict.
func (r *SQLRepository) FindOpenByRecordID(ctx context.Context, recordID string) (*models.ConflictRecord, error) {
	return r.findOpen(ctx, `record_id = ?`, recordID)
}

func (r *SQLRepository) findOpen(ctx context.Context, cond string, args ...any) (*models.ConflictRecord, error) {
	args = append(args, string(models.ResolutionUnresolved))
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM conflicts
		WHERE `+cond+` AND resolution = ? ORDER BY created_at DESC LIMIT 1`), args...)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open conflict: %w", err)
	}
	return c, nil
}

// List returns conflicts of a vault, or of every vault when vaultID is
// empty, oldest first.
func (r *SQLRepository) List(ctx context.Context, vaultID string, openOnly bool) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + columns + ` FROM conflicts WHERE 1 = 1`
	var args []any
	if vaultID != "" {
		query += ` AND vault_id = ?`
		args = append(args, vaultID)
	}
	if openOnly {
		query += ` AND resolution = ?`
		args = append(args, string(models.ResolutionUnresolved))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return result, nil
}

// Resolve closes an open conflict. Resolving a conflict twice fails with
// common.ErrInvalidState.
func (r *SQLRepository) Resolve(ctx context.Context, id string, resolution models.Resolution) error {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`UPDATE conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolution = ?`),
		string(resolution), dbx.Millis(time.Now()), id, string(models.ResolutionUnresolved))
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *SQLRepository) DeleteByVault(ctx context.Context, vaultID string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM conflicts WHERE vault_id = ?`), vaultID); err != nil {
		return fmt.Errorf("failed to delete conflicts of vault %s: %w", vaultID, err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update conflict %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s is not open: %w", id, common.ErrInvalidState)
	}
	return nil
}

func encodeSnapshots(c *models.ConflictRecord) (local, server sql.NullString, err error) {
	enc := func(s *models.Snapshot) (sql.NullString, error) {
		if s == nil {
			return sql.NullString{}, nil
		}
		b, err := s.Marshal()
		if err != nil {
			return sql.NullString{}, fmt.Errorf("failed to encode conflict snapshot: %w", err)
		}
		return sql.NullString{String: string(b), Valid: true}, nil
	}
	if local, err = enc(c.LocalSnapshot); err != nil {
		return
	}
	server, err = enc(c.ServerSnapshot)
	return
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(s scanner) (*models.ConflictRecord, error) {
	var (
		c                       models.ConflictRecord
		recordID                sql.NullString
		kind, resolution        string
		local, server           sql.NullString
		localRev, serverRev, at int64
		resolvedAt              sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.VaultID, &recordID, &c.RemoteID, &kind, &local, &server,
		&localRev, &serverRev, &c.Summary, &resolution, &at, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if c.LocalSnapshot, err = models.UnmarshalSnapshot([]byte(local.String)); err != nil {
		return nil, err
	}
	if c.ServerSnapshot, err = models.UnmarshalSnapshot([]byte(server.String)); err != nil {
		return nil, err
	}
	c.RecordID = recordID.String
	c.Type = models.ConflictType(kind)
	c.Resolution = models.Resolution(resolution)
	c.LocalRevision = dbx.FromMillis(localRev)
	c.ServerRevision = dbx.FromMillis(serverRev)
	c.CreatedAt = dbx.FromMillis(at)
	c.ResolvedAt = dbx.FromNullMillis(resolvedAt)
	return &c, nil
}
