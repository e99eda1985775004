package agent

import (
	"context"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
)

// Engine is the part of the session controller the agent drives.
type Engine interface {
	Vaults(ctx context.Context) ([]session.VaultStatus, error)
	Sync(ctx context.Context, vaultID string, opts session.SyncOptions) (*session.SyncResult, error)
	SyncAll(ctx context.Context, opts session.SyncOptions) (map[string]*session.SyncResult, error)
	Deliver(ctx context.Context, vaultID string) (queue.DrainResult, error)
	Lock(ctx context.Context, vaultID string) error
	LockAll(ctx context.Context)
	Conflicts(ctx context.Context, vaultID string, openOnly bool) ([]*models.ConflictRecord, error)
	PendingOperations(ctx context.Context, f operations.Filter) ([]*models.PendingOperation, error)
	ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) error
	RetryOperation(ctx context.Context, id string) error
	DiscardOperation(ctx context.Context, id string) error
	Subscribe() (<-chan events.Event, func())
}

var _ Engine = (*session.Controller)(nil)
