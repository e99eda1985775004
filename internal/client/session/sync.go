package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/JoyinJoester/Monica-sub008/internal/client/decoder"
	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/merge"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

type SyncOptions struct {
	// Force skips the account revision check and syncs even when the
	// server reports no change.
	Force bool
	// AllowEmpty accepts an empty server vault even though local records
	// are still linked to it.
	AllowEmpty bool
}

type SyncResult struct {
	VaultID  string
	Counts   merge.Counts
	Folders  int
	Failures []decoder.Failure
	Revision time.Time
	// Skipped is set when the account revision showed nothing to do.
	Skipped bool
}

// Sync runs one full pass for an unlocked vault: fetch, decode, filter,
// reconcile and apply, with the vault bookkeeping in the same transaction.
// Locking the vault cancels a running pass before its keys are zeroed.
func (c *Controller) Sync(ctx context.Context, vaultID string, opts SyncOptions) (*SyncResult, error) {
	vs, ok := c.lookup(vaultID)
	if !ok {
		return nil, common.ErrNotFound
	}
	if vs.current() != Unlocked {
		return nil, common.ErrVaultLocked
	}
	if !vs.syncMu.TryLock() {
		return nil, common.ErrSyncInProgress
	}
	defer vs.syncMu.Unlock()

	passCtx, keys, end, err := vs.begin(ctx)
	if err != nil {
		return nil, err
	}
	c.publish(events.Event{Type: events.SyncStarted, VaultID: vaultID})
	res, err := c.sync(passCtx, vaultID, vs, keys, opts)
	err = interrupted(ctx, passCtx, err)
	end()

	if err != nil {
		c.authFailed(ctx, vaultID, vs, err)
		c.publish(events.Event{Type: events.SyncFailed, VaultID: vaultID, Err: err})
		c.logger.Warn(ctx, "sync failed", "vault_id", vaultID, "error", err)
		return nil, err
	}
	c.publish(events.Event{Type: events.SyncCompleted, VaultID: vaultID, Detail: res.Counts.String()})
	c.logger.Info(ctx, "sync completed", "vault_id", vaultID, "counts", res.Counts.String(),
		"decode_failures", len(res.Failures), "skipped", res.Skipped)
	return res, nil
}

// interrupted reports a pass cancelled by a lock as ErrVaultLocked.
func interrupted(parent, pass context.Context, err error) error {
	if err == nil || pass.Err() == nil || parent.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: locked during the pass: %v", common.ErrVaultLocked, err)
}

// keysLost reports whether the session keys were zeroed while decoding.
func keysLost(keys *cryptox.SessionKeys, failures []decoder.Failure) bool {
	if keys.Cleared() {
		return true
	}
	for _, f := range failures {
		if errors.Is(f.Err, cryptox.ErrKeysCleared) {
			return true
		}
	}
	return false
}

func (c *Controller) sync(ctx context.Context, vaultID string, vs *vaultSession, keys *cryptox.SessionKeys, opts SyncOptions) (*SyncResult, error) {
	v, err := c.repos.Vaults(c.db).GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	remote := c.newRemote(v.IdentityURL, v.APIURL)

	access, err := c.accessToken(ctx, v, keys, remote)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{VaultID: vaultID}

	var accountRevision time.Time
	if !opts.Force && !v.LastSyncRevision.IsZero() {
		accountRevision, err = remote.AccountRevision(ctx, access)
		if err != nil {
			return nil, err
		}
		if !accountRevision.After(v.LastSyncRevision) {
			c.authSucceeded(vs)
			result.Skipped = true
			result.Revision = v.LastSyncRevision
			return result, c.repos.Vaults(c.db).UpdateSyncState(ctx, vaultID, c.opts.Now().UTC(), v.LastSyncRevision)
		}
	}

	data, err := remote.FetchAll(ctx, access)
	if err != nil {
		return nil, err
	}
	c.authSucceeded(vs)

	folders := make([]decoder.DecodedFolder, 0, len(data.Folders))
	for _, f := range data.Folders {
		df := decoder.DecodeFolder(f, keys)
		if df.Failure != nil {
			result.Failures = append(result.Failures, *df.Failure)
		}
		folders = append(folders, df)
	}
	decoded, failures := decoder.DecodeAll(ctx, data.Ciphers, keys, c.logger)
	result.Failures = append(result.Failures, failures...)
	if keysLost(keys, result.Failures) {
		return nil, fmt.Errorf("%w: session keys cleared during decode", common.ErrVaultLocked)
	}

	filtered, err := c.filteredFolders(folders)
	if err != nil {
		return nil, err
	}
	decoded = withoutFolders(decoded, filtered)

	in, err := c.mergeInput(ctx, v, filtered)
	if err != nil {
		return nil, err
	}
	in.Remote = decoded

	if len(data.Ciphers) == 0 && !opts.AllowEmpty && hasLinked(in.Local, vaultID) {
		return nil, common.ErrEmptyVaultBlocked
	}

	plan := merge.Reconcile(in)
	localFolders, err := c.repos.Folders(c.db).ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	folderPlan := merge.ReconcileFolders(localFolders, folders)

	revision := latestRevision(v.LastSyncRevision, accountRevision, data)
	var conflicts []*models.ConflictRecord
	err = dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := c.applyFolders(ctx, tx, vaultID, folderPlan); err != nil {
			return err
		}
		var err error
		if conflicts, err = c.applyPlan(ctx, tx, vaultID, plan); err != nil {
			return err
		}
		return c.repos.Vaults(tx).UpdateSyncState(ctx, vaultID, c.opts.Now().UTC(), revision)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply sync plan: %w", err)
	}

	for _, k := range conflicts {
		c.publish(events.Event{Type: events.ConflictDetected, VaultID: vaultID, Detail: k.ID})
	}
	result.Counts = plan.Counts()
	result.Folders = len(folderPlan.Upserts)
	result.Revision = revision
	return result, nil
}

// mergeInput gathers the local side of a reconcile.
func (c *Controller) mergeInput(ctx context.Context, v *models.Vault, filtered map[string]bool) (merge.Input, error) {
	in := merge.Input{
		VaultID:                v.ID,
		LastSyncRevision:       v.LastSyncRevision,
		PendingCreateOrRestore: make(map[string]bool),
		OpenConflicts:          make(map[string]bool),
	}

	linked, err := c.repos.Records(c.db).ListByVault(ctx, v.ID)
	if err != nil {
		return in, err
	}
	for _, r := range linked {
		if !filtered[r.FolderID] {
			in.Local = append(in.Local, r)
		}
	}
	unlinked, err := c.repos.Records(c.db).ListUnlinked(ctx)
	if err != nil {
		return in, err
	}
	in.Local = append(in.Local, unlinked...)

	ops, err := c.repos.Operations(c.db).List(ctx, operations.Filter{VaultID: v.ID})
	if err != nil {
		return in, err
	}
	for _, op := range ops {
		if op.Status == models.StatusCompleted {
			continue
		}
		if op.Kind == models.OpCreate || op.Kind == models.OpRestore {
			in.PendingCreateOrRestore[op.RecordID] = true
		}
	}

	open, err := c.repos.Conflicts(c.db).List(ctx, v.ID, true)
	if err != nil {
		return in, err
	}
	for _, k := range open {
		in.OpenConflicts[k.RemoteID] = true
	}
	return in, nil
}

// filteredFolders returns the remote ids of folders excluded by the folder
// patterns.
func (c *Controller) filteredFolders(folders []decoder.DecodedFolder) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(c.opts.IncludeFolders) == 0 && len(c.opts.ExcludeFolders) == 0 {
		return out, nil
	}
	for _, f := range folders {
		if f.Name.Unavailable {
			continue
		}
		keep, err := folderKept(f.Name.Value, c.opts.IncludeFolders, c.opts.ExcludeFolders)
		if err != nil {
			return nil, err
		}
		if !keep {
			out[f.RemoteID] = true
		}
	}
	return out, nil
}

func folderKept(name string, include, exclude []string) (bool, error) {
	for _, p := range exclude {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("%w: folder pattern %q: %v", common.ErrValidation, p, err)
		}
		if ok {
			return false, nil
		}
	}
	if len(include) == 0 {
		return true, nil
	}
	for _, p := range include {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("%w: folder pattern %q: %v", common.ErrValidation, p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func withoutFolders(in []decoder.DecodedRecord, filtered map[string]bool) []decoder.DecodedRecord {
	if len(filtered) == 0 {
		return in
	}
	out := in[:0]
	for _, d := range in {
		if !filtered[d.Record.FolderID] {
			out = append(out, d)
		}
	}
	return out
}

func hasLinked(local []*models.Record, vaultID string) bool {
	for _, r := range local {
		if r.VaultID() == vaultID && r.RemoteID() != "" && !r.Deleted {
			return true
		}
	}
	return false
}

// latestRevision is the revision recorded for a completed pass: the newest of
// the previous value, the account revision and every item revision seen.
func latestRevision(prev, account time.Time, data *transport.SyncResponse) time.Time {
	latest := prev
	if account.After(latest) {
		latest = account
	}
	for _, item := range data.Ciphers {
		if item.RevisionDate.After(latest) {
			latest = item.RevisionDate
		}
	}
	for _, f := range data.Folders {
		if f.RevisionDate.After(latest) {
			latest = f.RevisionDate
		}
	}
	return latest
}

// SyncAll syncs every unlocked vault with sync enabled, in parallel. One
// vault failing does not stop the others; their errors are joined.
func (c *Controller) SyncAll(ctx context.Context, opts SyncOptions) (map[string]*SyncResult, error) {
	vaults, err := c.repos.Vaults(c.db).List(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*SyncResult)
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(c.opts.SyncParallelism)
	for _, v := range vaults {
		if !v.SyncEnabled || c.State(v.ID) != Unlocked {
			continue
		}
		g.Go(func() error {
			res, err := c.Sync(ctx, v.ID, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("vault %s: %w", v.ID, err))
				return nil
			}
			results[v.ID] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
