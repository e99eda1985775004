package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

// ResolveConflict closes an open conflict. Keeping the server version applies
// the server snapshot (or deletes the record when the server deleted it) and
// cancels queued operations for the record. Keeping the local version marks
// the record modified and queues one update, or a create when the server
// item is gone.
func (c *Controller) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) error {
	if resolution != models.ResolutionKeptLocal && resolution != models.ResolutionKeptServer {
		return fmt.Errorf("%w: resolution %q", common.ErrValidation, resolution)
	}

	k, err := c.repos.Conflicts(c.db).GetByID(ctx, conflictID)
	if err != nil {
		return err
	}
	if !k.Open() {
		return fmt.Errorf("%w: conflict %s is already resolved", common.ErrInvalidState, k.ID)
	}

	err = dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var rec *models.Record
		if k.RecordID != "" {
			rec, err = c.repos.Records(tx).GetByID(ctx, k.RecordID)
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
		}

		if resolution == models.ResolutionKeptServer {
			err = c.keepServer(ctx, tx, k, rec)
		} else {
			err = c.keepLocal(ctx, tx, k, rec)
		}
		if err != nil {
			return err
		}
		return c.repos.Conflicts(tx).Resolve(ctx, k.ID, resolution)
	})
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}
	c.logger.Info(ctx, "conflict resolved", "vault_id", k.VaultID, "conflict_id", k.ID, "type", k.Type, "resolution", resolution)
	return nil
}

func (c *Controller) keepServer(ctx context.Context, tx dbx.DBTX, k *models.ConflictRecord, rec *models.Record) error {
	records := c.repos.Records(tx)

	if k.Type == models.ConflictServerDelete || k.ServerSnapshot == nil {
		if rec == nil {
			return nil
		}
		if _, err := c.queue.CancelForRecord(ctx, tx, rec.ID); err != nil {
			return err
		}
		return records.Delete(ctx, rec.ID)
	}

	// An adoption candidate stays as it is; the server item becomes its own
	// record unless one is already linked to it.
	target := rec
	if k.Type == models.ConflictAdoption {
		target = nil
	}
	if target == nil {
		linked, err := records.GetByRemoteID(ctx, k.VaultID, k.RemoteID)
		switch {
		case errors.Is(err, common.ErrNotFound):
			target = &models.Record{ID: uuid.NewString(), CreatedAt: c.opts.Now().UTC()}
		case err != nil:
			return err
		default:
			target = linked
		}
	}

	if _, err := c.queue.CancelForRecord(ctx, tx, target.ID); err != nil {
		return err
	}
	if err := k.ServerSnapshot.ApplyTo(target); err != nil {
		return err
	}
	target.Remote = &models.RemoteLink{VaultID: k.VaultID, RemoteID: k.RemoteID, RevisionDate: k.ServerRevision}
	target.OfflineSource = ""
	target.Deleted = false
	target.UpdatedAt = c.opts.Now().UTC()
	return records.Upsert(ctx, target)
}

func (c *Controller) keepLocal(ctx context.Context, tx dbx.DBTX, k *models.ConflictRecord, rec *models.Record) error {
	if rec == nil {
		if k.Type == models.ConflictAdoption {
			return fmt.Errorf("%w: adoption conflict with several candidates has no single local record to keep", common.ErrInvalidState)
		}
		return fmt.Errorf("%w: local record of conflict %s no longer exists", common.ErrInvalidState, k.ID)
	}

	kind := models.OpUpdate
	remoteID := k.RemoteID
	if k.Type == models.ConflictServerDelete {
		if _, err := c.queue.CancelForRecord(ctx, tx, rec.ID); err != nil {
			return err
		}
		kind = models.OpCreate
		remoteID = ""
	}

	rec.Remote = &models.RemoteLink{
		VaultID:           k.VaultID,
		RemoteID:          remoteID,
		RevisionDate:      k.ServerRevision,
		IsLocallyModified: true,
	}
	rec.OfflineSource = ""
	rec.Deleted = false
	if err := c.repos.Records(tx).Upsert(ctx, rec); err != nil {
		return err
	}

	snap, err := rec.Snapshot()
	if err != nil {
		return err
	}
	payload, err := snap.Marshal()
	if err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, tx, &models.PendingOperation{
		VaultID:    k.VaultID,
		RecordID:   rec.ID,
		RemoteID:   remoteID,
		Kind:       kind,
		Target:     models.TargetCipher,
		RecordKind: rec.Kind(),
		Payload:    payload,
	})
	return err
}
