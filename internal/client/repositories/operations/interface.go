// Package operations persists the outbound queue of pending operations.
package operations

import (
	"context"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	VaultID  string
	RecordID string
	Status   models.OperationStatus
}

type Repository interface {
	Insert(ctx context.Context, op *models.PendingOperation) error
	Update(ctx context.Context, op *models.PendingOperation) error
	GetByID(ctx context.Context, id string) (*models.PendingOperation, error)
	FindPending(ctx context.Context, vaultID, recordID string, kind models.OperationKind) (*models.PendingOperation, error)
	ListActiveForRecord(ctx context.Context, recordID string) ([]*models.PendingOperation, error)
	NextDeliverable(ctx context.Context, vaultID string, now time.Time) (*models.PendingOperation, error)
	List(ctx context.Context, f Filter) ([]*models.PendingOperation, error)
	ResetInProgress(ctx context.Context, vaultID string) (int64, error)
	RetryAllFailed(ctx context.Context, vaultID string) (int64, error)
	ReassignRemoteID(ctx context.Context, recordID, remoteID string) error
	CountActiveForRecord(ctx context.Context, recordID string) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteActiveForRecord(ctx context.Context, recordID string) (int64, error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteByVault(ctx context.Context, vaultID string) error
}
