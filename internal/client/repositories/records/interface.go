// Package records persists unified records. Content is stored as a snapshot
// document next to the columns used for linkage and lookup.
package records

import (
	"context"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

// Filter narrows List. Zero values match everything except deleted records.
type Filter struct {
	VaultID        string
	Kind           models.RecordKind
	LocalOnly      bool
	Query          string
	IncludeDeleted bool
}

type Repository interface {
	Upsert(ctx context.Context, rec *models.Record) error
	GetByID(ctx context.Context, id string) (*models.Record, error)
	GetByRemoteID(ctx context.Context, vaultID, remoteID string) (*models.Record, error)
	ListByVault(ctx context.Context, vaultID string) ([]*models.Record, error)
	ListUnlinked(ctx context.Context) ([]*models.Record, error)
	List(ctx context.Context, f Filter) ([]*models.Record, error)
	UpdateRemoteState(ctx context.Context, id, remoteID string, revision time.Time, modified bool) error
	SetLocallyModified(ctx context.Context, id string, modified bool) error
	Delete(ctx context.Context, id string) error
	DeleteByVault(ctx context.Context, vaultID string) error
}
