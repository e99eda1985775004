package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/decoder"
	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// Deliver drains the outbound queue of an unlocked vault. An expired
// authorization stops the drain, leaves the operation pending and locks the
// vault. Locking the vault cancels a running drain before its keys are
// zeroed.
func (c *Controller) Deliver(ctx context.Context, vaultID string) (queue.DrainResult, error) {
	vs, ok := c.lookup(vaultID)
	if !ok {
		return queue.DrainResult{}, common.ErrNotFound
	}
	passCtx, keys, end, err := vs.begin(ctx)
	if err != nil {
		return queue.DrainResult{}, err
	}
	res, drained, err := c.deliver(passCtx, vaultID, keys)
	err = interrupted(ctx, passCtx, err)
	end()

	switch {
	case drained && errors.Is(err, common.ErrAuthExpired):
		c.logger.Warn(ctx, "authorization expired during delivery, locking vault", "vault_id", vaultID)
		c.lock(ctx, vaultID, vs)
	case err != nil:
		c.authFailed(ctx, vaultID, vs, err)
	default:
		c.authSucceeded(vs)
	}
	return res, err
}

// deliver reports whether the drain itself ran, as opposed to failing while
// obtaining an access token.
func (c *Controller) deliver(ctx context.Context, vaultID string, keys *cryptox.SessionKeys) (queue.DrainResult, bool, error) {
	v, err := c.repos.Vaults(c.db).GetByID(ctx, vaultID)
	if err != nil {
		return queue.DrainResult{}, false, err
	}
	remote := c.newRemote(v.IdentityURL, v.APIURL)
	access, err := c.accessToken(ctx, v, keys, remote)
	if err != nil {
		return queue.DrainResult{}, false, err
	}

	d := &remoteDeliverer{c: c, vaultID: vaultID, keys: keys, remote: remote, access: access}
	res, err := c.queue.Drain(ctx, vaultID, d, func(dl queue.Delivery) {
		switch dl.Outcome {
		case queue.OutcomeDelivered:
			c.publish(events.Event{Type: events.OperationDelivered, VaultID: vaultID, Detail: dl.Op.ID})
		case queue.OutcomeFailed:
			c.publish(events.Event{Type: events.OperationFailed, VaultID: vaultID, Detail: dl.Op.ID, Err: dl.Err})
		}
	})
	return res, true, err
}

// remoteDeliverer pushes queued operations of one vault to its server.
type remoteDeliverer struct {
	c       *Controller
	vaultID string
	keys    *cryptox.SessionKeys
	remote  Remote
	access  string
}

func (d *remoteDeliverer) Deliver(ctx context.Context, op *models.PendingOperation) (queue.Result, error) {
	switch op.Target {
	case models.TargetCipher:
		return d.cipher(ctx, op)
	case models.TargetFolder:
		return d.folder(ctx, op)
	}
	return queue.Result{}, fmt.Errorf("%w: unknown operation target %q", common.ErrValidation, op.Target)
}

func (d *remoteDeliverer) cipher(ctx context.Context, op *models.PendingOperation) (queue.Result, error) {
	switch op.Kind {
	case models.OpDelete:
		if op.RemoteID == "" {
			return queue.Result{}, nil
		}
		return queue.Result{RemoteID: op.RemoteID}, d.remote.DeleteCipher(ctx, d.access, op.RemoteID)

	case models.OpRestore:
		if op.RemoteID == "" {
			return queue.Result{}, fmt.Errorf("%w: restore without remote id", common.ErrInvalidState)
		}
		out, err := d.remote.RestoreCipher(ctx, d.access, op.RemoteID)
		if err != nil {
			return queue.Result{}, err
		}
		return queue.Result{RemoteID: out.ID, RevisionDate: out.RevisionDate}, nil
	}

	rec, lastKnown, err := d.record(ctx, op)
	if err != nil {
		return queue.Result{}, err
	}
	req, err := decoder.Encode(rec, d.keys, lastKnown)
	if err != nil {
		return queue.Result{}, err
	}

	switch op.Kind {
	case models.OpCreate:
		out, err := d.remote.CreateCipher(ctx, d.access, req)
		if err != nil {
			return queue.Result{}, err
		}
		return queue.Result{RemoteID: out.ID, RevisionDate: out.RevisionDate}, nil
	case models.OpUpdate:
		if op.RemoteID == "" {
			return queue.Result{}, fmt.Errorf("%w: update without remote id", common.ErrInvalidState)
		}
		out, err := d.remote.UpdateCipher(ctx, d.access, op.RemoteID, req)
		if err != nil {
			return queue.Result{}, err
		}
		return queue.Result{RemoteID: out.ID, RevisionDate: out.RevisionDate}, nil
	}
	return queue.Result{}, fmt.Errorf("%w: unknown operation kind %q", common.ErrValidation, op.Kind)
}

// record rebuilds the record an operation carries, together with the last
// server revision the local copy is based on.
func (d *remoteDeliverer) record(ctx context.Context, op *models.PendingOperation) (*models.Record, time.Time, error) {
	snap, err := models.UnmarshalSnapshot(op.Payload)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if snap == nil {
		return nil, time.Time{}, fmt.Errorf("%w: operation %s has no payload", common.ErrValidation, op.ID)
	}
	rec := &models.Record{ID: op.RecordID}
	if err := snap.ApplyTo(rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	var lastKnown time.Time
	stored, err := d.c.repos.Records(d.c.db).GetByID(ctx, op.RecordID)
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return nil, time.Time{}, err
	case stored.Remote != nil && op.Kind == models.OpUpdate:
		lastKnown = stored.Remote.RevisionDate
	}
	return rec, lastKnown, nil
}

func (d *remoteDeliverer) folder(ctx context.Context, op *models.PendingOperation) (queue.Result, error) {
	folders := d.c.repos.Folders(d.c.db)

	if op.Kind == models.OpDelete {
		if op.RemoteID == "" {
			return queue.Result{}, nil
		}
		if err := d.remote.DeleteFolder(ctx, d.access, op.RemoteID); err != nil {
			return queue.Result{}, err
		}
		f, err := folders.GetByRemoteID(ctx, d.vaultID, op.RemoteID)
		if errors.Is(err, common.ErrNotFound) {
			return queue.Result{RemoteID: op.RemoteID}, nil
		}
		if err != nil {
			return queue.Result{}, err
		}
		return queue.Result{RemoteID: op.RemoteID}, folders.Delete(ctx, f.ID)
	}

	var p models.FolderPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return queue.Result{}, fmt.Errorf("%w: folder payload: %v", common.ErrValidation, err)
	}
	name, err := decoder.EncodeFolderName(p.Name, d.keys)
	if err != nil {
		return queue.Result{}, err
	}

	var out *transport.Folder
	switch op.Kind {
	case models.OpCreate:
		out, err = d.remote.CreateFolder(ctx, d.access, name)
	case models.OpUpdate:
		if op.RemoteID == "" {
			return queue.Result{}, fmt.Errorf("%w: folder update without remote id", common.ErrInvalidState)
		}
		out, err = d.remote.UpdateFolder(ctx, d.access, op.RemoteID, name)
	default:
		return queue.Result{}, fmt.Errorf("%w: unsupported folder operation %q", common.ErrValidation, op.Kind)
	}
	if err != nil {
		return queue.Result{}, err
	}

	id := op.RecordID
	if id == "" {
		id = uuid.NewString()
	}
	f := &models.Folder{
		ID:           id,
		VaultID:      d.vaultID,
		RemoteID:     out.ID,
		Name:         models.Text(p.Name),
		RevisionDate: out.RevisionDate,
		LastSyncedAt: d.c.opts.Now().UTC(),
	}
	if err := folders.Upsert(ctx, f); err != nil {
		return queue.Result{}, err
	}
	return queue.Result{RemoteID: out.ID, RevisionDate: out.RevisionDate}, nil
}
