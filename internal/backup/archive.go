package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/records"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

const archiveVersion = 1

// Archive is the plaintext content of a backup. Vault credentials and
// wrapped keys are never part of it; a restored vault needs a fresh login.
type Archive struct {
	Version    int                        `json:"version"`
	CreatedAt  time.Time                  `json:"created_at"`
	DeviceID   string                     `json:"device_id,omitempty"`
	Vaults     []*models.Vault            `json:"vaults"`
	Folders    []*models.Folder           `json:"folders"`
	Records    []RecordEntry              `json:"records"`
	Conflicts  []*models.ConflictRecord   `json:"conflicts"`
	Operations []*models.PendingOperation `json:"operations"`
}

// RecordEntry is a record with its content flattened into a snapshot.
type RecordEntry struct {
	ID            string             `json:"id"`
	Remote        *models.RemoteLink `json:"remote,omitempty"`
	OfflineSource string             `json:"offline_source,omitempty"`
	Deleted       bool               `json:"deleted,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Content       *models.Snapshot   `json:"content"`
}

func (e RecordEntry) record() (*models.Record, error) {
	rec := &models.Record{
		ID:            e.ID,
		Remote:        e.Remote,
		OfflineSource: e.OfflineSource,
		Deleted:       e.Deleted,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.Content == nil {
		return nil, fmt.Errorf("%w: record %s has no content", common.ErrValidation, e.ID)
	}
	if err := e.Content.ApplyTo(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Export reads the whole local store into an archive.
func Export(ctx context.Context, db *sql.DB, repos repomanager.RepositoryManager) (*Archive, error) {
	a := &Archive{Version: archiveVersion, CreatedAt: time.Now().UTC()}

	vaults, err := repos.Vaults(db).List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range vaults {
		v.AccessToken, v.RefreshToken = "", ""
		v.AccessTokenExpiresAt = time.Time{}
		v.WrappedEncKey, v.WrappedMacKey = "", ""
		v.IsLocked, v.IsConnected = true, false

		folders, err := repos.Folders(db).ListByVault(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		a.Folders = append(a.Folders, folders...)
	}
	a.Vaults = vaults

	recs, err := repos.Records(db).List(ctx, records.Filter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		snap, err := r.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to export record %s: %w", r.ID, err)
		}
		a.Records = append(a.Records, RecordEntry{
			ID:            r.ID,
			Remote:        r.Remote,
			OfflineSource: r.OfflineSource,
			Deleted:       r.Deleted,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
			Content:       snap,
		})
	}

	if a.Conflicts, err = repos.Conflicts(db).List(ctx, "", false); err != nil {
		return nil, err
	}

	ops, err := repos.Operations(db).List(ctx, operations.Filter{})
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Status == models.StatusCompleted {
			continue
		}
		// Delivery was interrupted mid-flight; it runs again after restore.
		if op.Status == models.StatusInProgress {
			op.Status = models.StatusPending
		}
		a.Operations = append(a.Operations, op)
	}
	return a, nil
}

// Restore writes an archive back in one transaction. Every archived vault's
// folders, records, conflicts and operations replace the local ones. A vault
// row that already exists keeps its credentials; a new one is created
// logged out.
func Restore(ctx context.Context, db *sql.DB, repos repomanager.RepositoryManager, a *Archive) error {
	if a == nil || a.Version != archiveVersion {
		return fmt.Errorf("%w: unsupported backup version", common.ErrValidation)
	}

	return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, v := range a.Vaults {
			if err := restoreVault(ctx, tx, repos, v); err != nil {
				return err
			}
		}
		for _, f := range a.Folders {
			if err := repos.Folders(tx).Upsert(ctx, f); err != nil {
				return err
			}
		}
		for _, e := range a.Records {
			rec, err := e.record()
			if err != nil {
				return err
			}
			if err := repos.Records(tx).Upsert(ctx, rec); err != nil {
				return err
			}
		}
		for _, c := range a.Conflicts {
			if err := repos.Conflicts(tx).Insert(ctx, c); err != nil {
				return err
			}
		}
		for _, op := range a.Operations {
			if err := repos.Operations(tx).Insert(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func restoreVault(ctx context.Context, tx dbx.DBTX, repos repomanager.RepositoryManager, v *models.Vault) error {
	existing, err := repos.Vaults(tx).GetByID(ctx, v.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		other, err := repos.Vaults(tx).FindByEmail(ctx, v.Email, v.ServerURL)
		if err != nil {
			return err
		}
		if other != nil {
			return fmt.Errorf("%w: account %s on %s is registered as vault %s", common.ErrInvalidState, v.Email, v.ServerURL, other.ID)
		}
		if err := repos.Vaults(tx).Upsert(ctx, v); err != nil {
			return err
		}
	case err != nil:
		return err
	case existing.Email != v.Email || existing.ServerURL != v.ServerURL:
		return fmt.Errorf("%w: vault %s belongs to another account", common.ErrInvalidState, v.ID)
	}

	if err := repos.Operations(tx).DeleteByVault(ctx, v.ID); err != nil {
		return err
	}
	if err := repos.Conflicts(tx).DeleteByVault(ctx, v.ID); err != nil {
		return err
	}
	if err := repos.Records(tx).DeleteByVault(ctx, v.ID); err != nil {
		return err
	}
	return repos.Folders(tx).DeleteByVault(ctx, v.ID)
}
