package session

import (
	"context"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/records"
)

// VaultStatus is a vault row together with its lifecycle state. Credentials
// are left out.
type VaultStatus struct {
	Vault *models.Vault
	State State
}

func (c *Controller) Vaults(ctx context.Context) ([]VaultStatus, error) {
	vaults, err := c.repos.Vaults(c.db).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]VaultStatus, 0, len(vaults))
	for _, v := range vaults {
		v.AccessToken, v.RefreshToken = "", ""
		v.WrappedEncKey, v.WrappedMacKey = "", ""
		out = append(out, VaultStatus{Vault: v, State: c.State(v.ID)})
	}
	return out, nil
}

func (c *Controller) Folders(ctx context.Context, vaultID string) ([]*models.Folder, error) {
	return c.repos.Folders(c.db).ListByVault(ctx, vaultID)
}

func (c *Controller) Records(ctx context.Context, f records.Filter) ([]*models.Record, error) {
	return c.repos.Records(c.db).List(ctx, f)
}

func (c *Controller) Conflicts(ctx context.Context, vaultID string, openOnly bool) ([]*models.ConflictRecord, error) {
	return c.repos.Conflicts(c.db).List(ctx, vaultID, openOnly)
}

func (c *Controller) PendingOperations(ctx context.Context, f operations.Filter) ([]*models.PendingOperation, error) {
	return c.queue.List(ctx, f)
}

// RetryOperation moves a failed operation back to pending.
func (c *Controller) RetryOperation(ctx context.Context, id string) error {
	return c.queue.Retry(ctx, id)
}

// DiscardOperation drops an operation that will not be delivered.
func (c *Controller) DiscardOperation(ctx context.Context, id string) error {
	return c.queue.Discard(ctx, id)
}
