// Package folders persists the folder mirror of each vault.
package folders

import (
	"context"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

type Repository interface {
	Upsert(ctx context.Context, f *models.Folder) error
	GetByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.Folder, error)
	ListByVault(ctx context.Context, vaultID string) ([]*models.Folder, error)
	Delete(ctx context.Context, id string) error
	DeleteByVault(ctx context.Context, vaultID string) error
}
