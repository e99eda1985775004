// Package conflicts persists conflict records until the user resolves them.
package conflicts

import (
	"context"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

type Repository interface {
	Insert(ctx context.Context, c *models.ConflictRecord) error
	Refresh(ctx context.Context, c *models.ConflictRecord) error
	GetByID(ctx context.Context, id string) (*models.ConflictRecord, error)
	FindOpenByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.ConflictRecord, error)
	FindOpenByRecordID(ctx context.Context, recordID string) (*models.ConflictRecord, error)
	List(ctx context.Context, vaultID string, openOnly bool) ([]*models.ConflictRecord, error)
	Resolve(ctx context.Context, id string, resolution models.Resolution) error
	DeleteByVault(ctx context.Context, vaultID string) error
}
