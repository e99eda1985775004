package operations

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

const columns = `id, seq, vault_id, record_id, remote_id, kind, target, record_kind, payload,
	status, retry_count, max_retries, last_error, next_retry_at,
	created_at, updated_at, last_attempt_at, completed_at`

const activeStatuses = `('pending', 'in_progress', 'failed')`

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

// Insert appends op to the queue. Its position is the next sequence number,
// which keeps delivery in enqueue order even within one clock tick.
func (r *SQLRepository) Insert(ctx context.Context, op *models.PendingOperation) error {
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if op.Target == "" {
		op.Target = models.TargetCipher
	}

	_, err := r.db.ExecContext(ctx, r.d.Rebind(`INSERT INTO pending_operations (`+columns+`)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_operations),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		op.ID, op.VaultID, dbx.NullString(op.RecordID), dbx.NullString(op.RemoteID),
		string(op.Kind), string(op.Target), string(op.RecordKind), op.Payload,
		string(op.Status), op.RetryCount, op.MaxRetries, op.LastError, dbx.Millis(op.NextRetryAt),
		dbx.Millis(op.CreatedAt), dbx.Millis(op.UpdatedAt), dbx.NullMillis(op.LastAttemptAt), dbx.NullMillis(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}
	return nil
}

// Update writes back the mutable state of op. The sequence number never
// changes.
func (r *SQLRepository) Update(ctx context.Context, op *models.PendingOperation) error {
	op.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`UPDATE pending_operations SET
			remote_id = ?, kind = ?, payload = ?, status = ?, retry_count = ?, max_retries = ?,
			last_error = ?, next_retry_at = ?, updated_at = ?, last_attempt_at = ?, completed_at = ?
		WHERE id = ?`),
		dbx.NullString(op.RemoteID), string(op.Kind), op.Payload, string(op.Status), op.RetryCount, op.MaxRetries,
		op.LastError, dbx.Millis(op.NextRetryAt), dbx.Millis(op.UpdatedAt),
		dbx.NullMillis(op.LastAttemptAt), dbx.NullMillis(op.CompletedAt),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.PendingOperation, error) {
	op, err := scanOperation(r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM pending_operations WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

// FindPending returns the not yet started operation of the given kind for a
// record, or nil, nil.
func (r *SQLRepository) FindPending(ctx context.Context, vaultID, recordID string, kind models.OperationKind) (*models.PendingOperation, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM pending_operations
		WHERE vault_id = ? AND record_id = ? AND kind = ? AND status = ?
		ORDER BY seq LIMIT 1`),
		vaultID, recordID, string(kind), string(models.StatusPending))
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending operation: %w", err)
	}
	return op, nil
}

func (r *SQLRepository) ListActiveForRecord(ctx context.Context, recordID string) ([]*models.PendingOperation, error) {
	return r.query(ctx, `SELECT `+columns+` FROM pending_operations
		WHERE record_id = ? AND status IN `+activeStatuses+` ORDER BY seq`, recordID)
}

// NextDeliverable picks the oldest pending operation of the vault that is
// due. Operations of a record with an open conflict, or queued behind an
// unfinished operation of the same record, are held back.
func (r *SQLRepository) NextDeliverable(ctx context.Context, vaultID string, now time.Time) (*models.PendingOperation, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM pending_operations o
		WHERE o.vault_id = ? AND o.status = ? AND o.next_retry_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM conflicts c
			WHERE c.record_id = o.record_id AND c.resolution = ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM pending_operations p
			WHERE p.record_id = o.record_id AND p.seq < o.seq AND p.status IN `+activeStatuses+`
		)
		ORDER BY o.seq LIMIT 1`),
		vaultID, string(models.StatusPending), dbx.Millis(now), string(models.ResolutionUnresolved))
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next operation: %w", err)
	}
	return op, nil
}

func (r *SQLRepository) List(ctx context.Context, f Filter) ([]*models.PendingOperation, error) {
	var (
		where []string
		args  []any
	)
	if f.VaultID != "" {
		where = append(where, "vault_id = ?")
		args = append(args, f.VaultID)
	}
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + columns + ` FROM pending_operations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return r.query(ctx, query+` ORDER BY seq`, args...)
}

// ResetInProgress returns operations interrupted by a crash to pending.
func (r *SQLRepository) ResetInProgress(ctx context.Context, vaultID string) (int64, error) {
	return r.execCount(ctx, "reset in-progress operations",
		`UPDATE pending_operations SET status = ?, updated_at = ? WHERE vault_id = ? AND status = ?`,
		string(models.StatusPending), dbx.Millis(time.Now()), vaultID, string(models.StatusInProgress))
}

// RetryAllFailed re-arms every failed operation of the vault with a fresh
// retry budget.
func (r *SQLRepository) RetryAllFailed(ctx context.Context, vaultID string) (int64, error) {
	return r.execCount(ctx, "retry failed operations",
		`UPDATE pending_operations SET status = ?, retry_count = 0, next_retry_at = 0, updated_at = ?
		WHERE vault_id = ? AND status = ?`,
		string(models.StatusPending), dbx.Millis(time.Now()), vaultID, string(models.StatusFailed))
}

// ReassignRemoteID points the unfinished operations of a record at the
// remote id assigned by an acknowledged create.
func (r *SQLRepository) ReassignRemoteID(ctx context.Context, recordID, remoteID string) error {
	_, err := r.execCount(ctx, "reassign remote id",
		`UPDATE pending_operations SET remote_id = ? WHERE record_id = ? AND status IN `+activeStatuses,
		remoteID, recordID)
	return err
}

func (r *SQLRepository) CountActiveForRecord(ctx context.Context, recordID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT COUNT(*) FROM pending_operations
		WHERE record_id = ? AND status IN `+activeStatuses), recordID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations of record %s: %w", recordID, err)
	}
	return n, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM pending_operations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) DeleteActiveForRecord(ctx context.Context, recordID string) (int64, error) {
	return r.execCount(ctx, "cancel operations",
		`DELETE FROM pending_operations WHERE record_id = ? AND status IN `+activeStatuses, recordID)
}

func (r *SQLRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	return r.execCount(ctx, "clean up completed operations",
		`DELETE FROM pending_operations WHERE status = ? AND completed_at < ?`,
		string(models.StatusCompleted), dbx.Millis(before))
}

func (r *SQLRepository) DeleteByVault(ctx context.Context, vaultID string) error {
	if _, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM pending_operations WHERE vault_id = ?`), vaultID); err != nil {
		return fmt.Errorf("failed to delete operations of vault %s: %w", vaultID, err)
	}
	return nil
}

func (r *SQLRepository) execCount(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	return n, nil
}

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) ([]*models.PendingOperation, error) {
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var result []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operation rows: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*models.PendingOperation, error) {
	var (
		op                               models.PendingOperation
		seq                              int64
		recordID, remoteID               sql.NullString
		kind, target, recordKind, status string
		nextRetry, createdAt, updatedAt  int64
		lastAttempt, completedAt         sql.NullInt64
	)
	err := s.Scan(&op.ID, &seq, &op.VaultID, &recordID, &remoteID, &kind, &target, &recordKind, &op.Payload,
		&status, &op.RetryCount, &op.MaxRetries, &op.LastError, &nextRetry,
		&createdAt, &updatedAt, &lastAttempt, &completedAt)
	if err != nil {
		return nil, err
	}
	op.RecordID = recordID.String
	op.RemoteID = remoteID.String
	op.Kind = models.OperationKind(kind)
	op.Target = models.OperationTarget(target)
	op.RecordKind = models.RecordKind(recordKind)
	op.Status = models.OperationStatus(status)
	op.NextRetryAt = dbx.FromMillis(nextRetry)
	op.CreatedAt = dbx.FromMillis(createdAt)
	op.UpdatedAt = dbx.FromMillis(updatedAt)
	op.LastAttemptAt = dbx.FromNullMillis(lastAttempt)
	op.CompletedAt = dbx.FromNullMillis(completedAt)
	return &op, nil
}
