package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

func wipe(b []byte) {
	common.WipeByteArray(b)
}

// derive runs the password derivation off the caller's goroutine so that a
// cancelled context returns at once. A derivation that finishes after
// cancellation is wiped.
func derive(ctx context.Context, password []byte, email string, kdf cryptox.KdfParams) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	pw := append([]byte(nil), password...)
	done := make(chan result, 1)
	go func() {
		defer wipe(pw)
		key, err := cryptox.DeriveMasterKey(pw, email, kdf)
		done <- result{key: key, err: err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			wipe(r.key)
		}()
		return nil, ctx.Err()
	}
}

// Unlock re-derives the session keys from the master password. Only one
// unlock per vault may run; any failure or cancellation leaves the vault
// Locked with no key material.
func (c *Controller) Unlock(ctx context.Context, vaultID string, password []byte) error {
	v, err := c.repos.Vaults(c.db).GetByID(ctx, vaultID)
	if err != nil {
		return err
	}
	if !v.HasCredentials() {
		return fmt.Errorf("%w: vault %s is logged out", common.ErrInvalidState, vaultID)
	}

	vs := c.session(vaultID)
	if !vs.unlockMu.TryLock() {
		return common.ErrUnlockInProgress
	}
	defer vs.unlockMu.Unlock()

	if vs.current() == Unlocked {
		return nil
	}
	c.transition(vaultID, vs, Unlocking)

	keys, err := c.unlock(ctx, v.Email, v.Kdf, v.WrappedEncKey, v.WrappedMacKey, password)
	if err == nil {
		err = c.repos.Vaults(c.db).SetLocked(ctx, vaultID, false)
	}
	if err != nil {
		keys.Clear()
		c.transition(vaultID, vs, Locked)
		c.logger.Warn(ctx, "unlock failed", "vault_id", vaultID, "error", err)
		return err
	}

	vs.setUnlocked(keys)
	c.publish(events.Event{Type: events.StateChanged, VaultID: vaultID, Detail: Unlocked.String()})
	c.logger.Info(ctx, "vault unlocked", "vault_id", vaultID)
	return nil
}

func (c *Controller) unlock(ctx context.Context, email string, kdf cryptox.KdfParams, wrappedEnc, wrappedMac string, password []byte) (*cryptox.SessionKeys, error) {
	masterKey, err := derive(ctx, password, email, kdf)
	if err != nil {
		return nil, err
	}
	defer wipe(masterKey)

	keys, err := cryptox.StretchAndUnwrap(masterKey, wrappedEnc, wrappedMac)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		keys.Clear()
		return nil, err
	}
	return keys, nil
}

// Lock zeroes the session keys of a vault.
func (c *Controller) Lock(ctx context.Context, vaultID string) error {
	vs, ok := c.lookup(vaultID)
	if !ok {
		return common.ErrNotFound
	}
	c.lock(ctx, vaultID, vs)
	return nil
}

func (c *Controller) lock(ctx context.Context, vaultID string, vs *vaultSession) {
	st := vs.current()
	if st != Unlocked && st != Unlocking {
		return
	}
	vs.drop(Locked)
	if err := c.repos.Vaults(c.db).SetLocked(context.WithoutCancel(ctx), vaultID, true); err != nil && !errors.Is(err, common.ErrNotFound) {
		c.logger.Error(ctx, "failed to persist lock", "vault_id", vaultID, "error", err)
	}
	c.publish(events.Event{Type: events.StateChanged, VaultID: vaultID, Detail: Locked.String()})
	c.logger.Info(ctx, "vault locked", "vault_id", vaultID)
}

// LockAll locks every unlocked vault.
func (c *Controller) LockAll(ctx context.Context) {
	c.mu.Lock()
	all := make(map[string]*vaultSession, len(c.vaults))
	for id, vs := range c.vaults {
		all[id] = vs
	}
	c.mu.Unlock()

	for id, vs := range all {
		c.lock(ctx, id, vs)
	}
}

// Logout forgets the credentials of a vault. Local data stays visible unless
// purge is set, in which case the vault and everything linked to it is
// deleted in one transaction.
func (c *Controller) Logout(ctx context.Context, vaultID string, purge bool) error {
	if _, err := c.repos.Vaults(c.db).GetByID(ctx, vaultID); err != nil {
		return err
	}
	vs := c.session(vaultID)
	vs.drop(LoggedOut)

	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if !purge {
			return c.repos.Vaults(tx).ClearCredentials(ctx, vaultID)
		}
		if err := c.repos.Operations(tx).DeleteByVault(ctx, vaultID); err != nil {
			return err
		}
		if err := c.repos.Conflicts(tx).DeleteByVault(ctx, vaultID); err != nil {
			return err
		}
		if err := c.repos.Records(tx).DeleteByVault(ctx, vaultID); err != nil {
			return err
		}
		if err := c.repos.Folders(tx).DeleteByVault(ctx, vaultID); err != nil {
			return err
		}
		return c.repos.Vaults(tx).Delete(ctx, vaultID)
	})
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	if purge {
		c.mu.Lock()
		delete(c.vaults, vaultID)
		c.mu.Unlock()
	}
	c.publish(events.Event{Type: events.StateChanged, VaultID: vaultID, Detail: LoggedOut.String()})
	c.logger.Info(ctx, "logged out", "vault_id", vaultID, "purge", purge)
	return nil
}
