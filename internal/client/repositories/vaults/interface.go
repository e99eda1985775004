// Package vaults persists linked remote vaults and their encrypted
// credentials.
package vaults

import (
	"context"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

type Repository interface {
	Upsert(ctx context.Context, v *models.Vault) error
	GetByID(ctx context.Context, id string) (*models.Vault, error)
	FindByEmail(ctx context.Context, email, serverURL string) (*models.Vault, error)
	List(ctx context.Context) ([]*models.Vault, error)
	UpdateSyncState(ctx context.Context, id string, syncedAt, revision time.Time) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	SetLocked(ctx context.Context, id string, locked bool) error
	SetConnected(ctx context.Context, id string, connected bool) error
	ClearCredentials(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
