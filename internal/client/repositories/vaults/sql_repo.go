package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

const columns = `id, email, server_url, identity_url, api_url, user_id,
	kdf_type, kdf_iterations, kdf_memory, kdf_parallelism,
	access_token, refresh_token, access_token_expires_at,
	wrapped_enc_key, wrapped_mac_key, last_sync_at, last_sync_revision,
	is_locked, is_connected, sync_enabled, is_default, created_at, updated_at`

type SQLRepository struct {
	db dbx.DBTX
	d  dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, d dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, d: d}
}

func (r *SQLRepository) Upsert(ctx context.Context, v *models.Vault) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.d.Rebind(`
		INSERT INTO vaults (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			server_url = excluded.server_url,
			identity_url = excluded.identity_url,
			api_url = excluded.api_url,
			user_id = excluded.user_id,
			kdf_type = excluded.kdf_type,
			kdf_iterations = excluded.kdf_iterations,
			kdf_memory = excluded.kdf_memory,
			kdf_parallelism = excluded.kdf_parallelism,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_token_expires_at = excluded.access_token_expires_at,
			wrapped_enc_key = excluded.wrapped_enc_key,
			wrapped_mac_key = excluded.wrapped_mac_key,
			last_sync_at = excluded.last_sync_at,
			last_sync_revision = excluded.last_sync_revision,
			is_locked = excluded.is_locked,
			is_connected = excluded.is_connected,
			sync_enabled = excluded.sync_enabled,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`),
		v.ID, v.Email, v.ServerURL, v.IdentityURL, v.APIURL, v.UserID,
		int(v.Kdf.Type), v.Kdf.Iterations, v.Kdf.Memory, v.Kdf.Parallelism,
		v.AccessToken, v.RefreshToken, dbx.Millis(v.AccessTokenExpiresAt),
		v.WrappedEncKey, v.WrappedMacKey, dbx.Millis(v.LastSyncAt), dbx.Millis(v.LastSyncRevision),
		v.IsLocked, v.IsConnected, v.SyncEnabled, v.IsDefault,
		dbx.Millis(v.CreatedAt), dbx.Millis(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault %s: %w", v.ID, err)
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Vault, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM vaults WHERE id = ?`), id)
	v, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault %s: %w", id, err)
	}
	return v, nil
}

// FindByEmail returns nil, nil when no vault matches.
func (r *SQLRepository) FindByEmail(ctx context.Context, email, serverURL string) (*models.Vault, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`SELECT `+columns+` FROM vaults WHERE email = ? AND server_url = ?`), email, serverURL)
	v, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find vault for %s: %w", email, err)
	}
	return v, nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*models.Vault, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM vaults ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	defer rows.Close()

	var result []*models.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault row: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vault rows: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) UpdateSyncState(ctx context.Context, id string, syncedAt, revision time.Time) error {
	return r.exec(ctx, "update sync state of", id,
		`UPDATE vaults SET last_sync_at = ?, last_sync_revision = ?, updated_at = ? WHERE id = ?`,
		dbx.Millis(syncedAt), dbx.Millis(revision), dbx.Millis(time.Now()), id)
}

func (r *SQLRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	return r.exec(ctx, "update tokens of", id,
		`UPDATE vaults SET access_token = ?, refresh_token = ?, access_token_expires_at = ?, updated_at = ? WHERE id = ?`,
		accessToken, refreshToken, dbx.Millis(expiresAt), dbx.Millis(time.Now()), id)
}

func (r *SQLRepository) SetLocked(ctx context.Context, id string, locked bool) error {
	return r.exec(ctx, "set lock state of", id,
		`UPDATE vaults SET is_locked = ?, updated_at = ? WHERE id = ?`,
		locked, dbx.Millis(time.Now()), id)
}

func (r *SQLRepository) SetConnected(ctx context.Context, id string, connected bool) error {
	return r.exec(ctx, "set connection state of", id,
		`UPDATE vaults SET is_connected = ?, updated_at = ? WHERE id = ?`,
		connected, dbx.Millis(time.Now()), id)
}

// ClearCredentials forgets tokens and wrapped keys, leaving the vault row
// and its records in place. The vault can only be used again after a login.
func (r *SQLRepository) ClearCredentials(ctx context.Context, id string) error {
	return r.exec(ctx, "clear credentials of", id,
		`UPDATE vaults SET access_token = '', refresh_token = '', access_token_expires_at = 0,
			wrapped_enc_key = '', wrapped_mac_key = '', is_locked = ?, is_connected = ?, updated_at = ?
		WHERE id = ?`,
		true, false, dbx.Millis(time.Now()), id)
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.d.Rebind(`DELETE FROM vaults WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete vault %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) exec(ctx context.Context, what, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s vault %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s vault %s: %w", what, id, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVault(s scanner) (*models.Vault, error) {
	var (
		v                            models.Vault
		kdfType                      int
		expiresAt, lastSync, lastRev int64
		createdAt, updatedAt         int64
	)
	err := s.Scan(
		&v.ID, &v.Email, &v.ServerURL, &v.IdentityURL, &v.APIURL, &v.UserID,
		&kdfType, &v.Kdf.Iterations, &v.Kdf.Memory, &v.Kdf.Parallelism,
		&v.AccessToken, &v.RefreshToken, &expiresAt,
		&v.WrappedEncKey, &v.WrappedMacKey, &lastSync, &lastRev,
		&v.IsLocked, &v.IsConnected, &v.SyncEnabled, &v.IsDefault,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Kdf.Type = cryptox.KdfType(kdfType)
	v.AccessTokenExpiresAt = dbx.FromMillis(expiresAt)
	v.LastSyncAt = dbx.FromMillis(lastSync)
	v.LastSyncRevision = dbx.FromMillis(lastRev)
	v.CreatedAt = dbx.FromMillis(createdAt)
	v.UpdatedAt = dbx.FromMillis(updatedAt)
	return &v, nil
}
