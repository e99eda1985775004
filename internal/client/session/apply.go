package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/merge"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

func (c *Controller) applyFolders(ctx context.Context, tx dbx.DBTX, vaultID string, plan merge.FolderPlan) error {
	repo := c.repos.Folders(tx)
	now := c.opts.Now().UTC()

	for _, u := range plan.Upserts {
		f := u.Existing
		if f == nil {
			f = &models.Folder{ID: uuid.NewString(), VaultID: vaultID, RemoteID: u.Remote.RemoteID}
		}
		if !f.IsLocallyModified {
			f.Name = u.Remote.Name
		}
		f.RevisionDate = u.Remote.RevisionDate
		f.LastSyncedAt = now
		if err := repo.Upsert(ctx, f); err != nil {
			return err
		}
	}
	for _, f := range plan.Deletes {
		if err := repo.Delete(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyPlan writes the record side of a plan and returns the conflicts it
// opened.
func (c *Controller) applyPlan(ctx context.Context, tx dbx.DBTX, vaultID string, plan merge.Plan) ([]*models.ConflictRecord, error) {
	records := c.repos.Records(tx)
	var opened []*models.ConflictRecord

	for _, a := range plan.Actions {
		switch a.Kind {
		case merge.ActionInsert:
			rec := *a.Remote.Record
			rec.ID = uuid.NewString()
			rec.Remote = &models.RemoteLink{VaultID: vaultID, RemoteID: a.RemoteID, RevisionDate: a.Remote.RevisionDate}
			if err := records.Upsert(ctx, &rec); err != nil {
				return nil, err
			}

		case merge.ActionOverwrite:
			rec := *a.Local
			takeContent(&rec, a.Remote.Record)
			rec.Remote = &models.RemoteLink{VaultID: vaultID, RemoteID: a.RemoteID, RevisionDate: a.Remote.RevisionDate}
			rec.OfflineSource = ""
			rec.Deleted = false
			if err := records.Upsert(ctx, &rec); err != nil {
				return nil, err
			}

		case merge.ActionDelete:
			if _, err := c.repos.Operations(tx).DeleteActiveForRecord(ctx, a.Local.ID); err != nil {
				return nil, err
			}
			if err := records.Delete(ctx, a.Local.ID); err != nil {
				return nil, err
			}

		case merge.ActionConflict:
			k, err := c.recordConflict(ctx, tx, vaultID, a)
			if err != nil {
				return nil, err
			}
			if k != nil {
				opened = append(opened, k)
			}
		}
	}
	return opened, nil
}

// takeContent copies the user content of src onto dst. Values src could not
// decrypt do not replace readable values of dst.
func takeContent(dst, src *models.Record) {
	prev := *dst
	dst.Title = src.Title
	dst.Notes = src.Notes
	dst.Favorite = src.Favorite
	dst.FolderID = src.FolderID
	dst.CustomFields = slices.Clone(src.CustomFields)
	dst.Payload = src.Payload
	if !src.UpdatedAt.IsZero() {
		dst.UpdatedAt = src.UpdatedAt
	}
	dst.FillUnavailable(&prev)
}

// recordConflict stores a new conflict, or refreshes the server side of the
// open one. It returns the conflict only when it is new.
func (c *Controller) recordConflict(ctx context.Context, tx dbx.DBTX, vaultID string, a merge.Action) (*models.ConflictRecord, error) {
	repo := c.repos.Conflicts(tx)

	var server *models.Snapshot
	if a.Remote != nil {
		var err error
		if server, err = a.Remote.Record.Snapshot(); err != nil {
			return nil, err
		}
	}

	if a.Refresh {
		existing, err := repo.FindOpenByRemoteID(ctx, vaultID, a.RemoteID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			existing.ServerSnapshot = server
			if a.Remote != nil {
				existing.ServerRevision = a.Remote.RevisionDate
			}
			return nil, repo.Refresh(ctx, existing)
		}
	}

	k := &models.ConflictRecord{
		ID:             uuid.NewString(),
		VaultID:        vaultID,
		RemoteID:       a.RemoteID,
		Type:           a.ConflictType,
		ServerSnapshot: server,
		Summary:        a.Reason,
	}
	if k.Type == "" {
		k.Type = models.ConflictConcurrentEdit
	}
	if a.Remote != nil {
		k.ServerRevision = a.Remote.RevisionDate
	}
	if a.Local != nil {
		local, err := a.Local.Snapshot()
		if err != nil {
			return nil, err
		}
		k.RecordID = a.Local.ID
		k.LocalSnapshot = local
		k.LocalRevision = a.Local.UpdatedAt
		if a.Local.Remote != nil && !a.Local.Remote.RevisionDate.IsZero() {
			k.LocalRevision = a.Local.Remote.RevisionDate
		}
	}
	if len(a.Candidates) > 1 {
		k.Summary = fmt.Sprintf("%s: %v", a.Reason, a.Candidates)
	}
	if err := repo.Insert(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}
