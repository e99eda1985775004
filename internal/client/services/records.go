package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/records"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

// RecordService edits records locally. Changes to records linked to a vault
// are queued for delivery in the same transaction as the edit.
type RecordService interface {
	Create(ctx context.Context, vaultID string, rec *models.Record) (*models.Record, error)
	Update(ctx context.Context, rec *models.Record) (*models.Record, error)
	Delete(ctx context.Context, id string) error
	RestoreTrashed(ctx context.Context, vaultID, remoteID string) error
	Get(ctx context.Context, id string) (*models.Record, error)
	List(ctx context.Context, f records.Filter) ([]*models.Record, error)

	CreateFolder(ctx context.Context, vaultID, name string) error
	RenameFolder(ctx context.Context, vaultID, remoteID, name string) error
	DeleteFolder(ctx context.Context, vaultID, remoteID string) error
}

type recordService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	queue    *queue.Queue
	logger   logging.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewRecordService(db *sql.DB, repos repomanager.RepositoryManager, q *queue.Queue, logger logging.Logger) RecordService {
	return &recordService{
		db:       db,
		repos:    repos,
		queue:    q,
		logger:   logger.With("module", "records"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

type folderInput struct {
	VaultID string `validate:"required"`
	Name    string `validate:"required,max=1024"`
}

func (s *recordService) check(rec *models.Record) error {
	if rec.Title.IsEmpty() {
		return fmt.Errorf("%w: title is required", common.ErrValidation)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return nil
}

// Create stores a new record. With a vault id the record is linked to that
// vault and a create is queued; without one it stays purely local.
func (s *recordService) Create(ctx context.Context, vaultID string, rec *models.Record) (*models.Record, error) {
	now := s.now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.Deleted = false
	rec.Remote = nil
	if vaultID != "" {
		rec.OfflineSource = ""
		rec.Remote = &models.RemoteLink{VaultID: vaultID, IsLocallyModified: true}
	}
	if err := s.check(rec); err != nil {
		return nil, err
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if vaultID != "" {
			if _, err := s.repos.Vaults(tx).GetByID(ctx, vaultID); err != nil {
				return err
			}
		}
		if err := s.repos.Records(tx).Upsert(ctx, rec); err != nil {
			return err
		}
		if rec.Remote == nil {
			return nil
		}
		return s.enqueue(ctx, tx, rec, models.OpCreate)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	s.logger.Debug(ctx, "record created", "record_id", rec.ID, "kind", rec.Kind(), "vault_id", vaultID)
	return rec, nil
}

// Update replaces the content of a record. Linkage is taken from the stored
// row, not from rec.
func (s *recordService) Update(ctx context.Context, rec *models.Record) (*models.Record, error) {
	var out *models.Record
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		stored, err := s.repos.Records(tx).GetByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		if stored.Deleted {
			return fmt.Errorf("%w: record %s is deleted", common.ErrInvalidState, rec.ID)
		}

		stored.Title = rec.Title
		stored.Notes = rec.Notes
		stored.Favorite = rec.Favorite
		stored.FolderID = rec.FolderID
		stored.CustomFields = rec.CustomFields
		stored.Payload = rec.Payload
		stored.UpdatedAt = s.now().UTC()
		if stored.Remote != nil {
			stored.Remote.IsLocallyModified = true
		}
		if err := s.check(stored); err != nil {
			return err
		}
		if err := s.repos.Records(tx).Upsert(ctx, stored); err != nil {
			return err
		}
		out = stored
		if stored.Remote == nil {
			return nil
		}
		return s.enqueue(ctx, tx, stored, models.OpUpdate)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return out, nil
}

// Delete removes a record. A record the server knows about is kept as a
// tombstone until its delete is delivered.
func (s *recordService) Delete(ctx context.Context, id string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Records(tx)
		rec, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if rec.Remote == nil {
			return repo.Delete(ctx, id)
		}

		op, err := s.queue.Enqueue(ctx, tx, &models.PendingOperation{
			VaultID:    rec.Remote.VaultID,
			RecordID:   rec.ID,
			RemoteID:   rec.Remote.RemoteID,
			Kind:       models.OpDelete,
			Target:     models.TargetCipher,
			RecordKind: rec.Kind(),
		})
		if err != nil {
			return err
		}
		if op == nil {
			return repo.Delete(ctx, id)
		}
		rec.Deleted = true
		rec.UpdatedAt = s.now().UTC()
		return repo.Upsert(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// RestoreTrashed queues the restore of an item in the server trash. The
// restored item arrives with the next sync.
func (s *recordService) RestoreTrashed(ctx context.Context, vaultID, remoteID string) error {
	if vaultID == "" || remoteID == "" {
		return fmt.Errorf("%w: vault id and remote id are required", common.ErrValidation)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pending, err := s.repos.Operations(tx).List(ctx, operations.Filter{VaultID: vaultID, Status: models.StatusPending})
		if err != nil {
			return err
		}
		for _, op := range pending {
			if op.Kind == models.OpRestore && op.RemoteID == remoteID {
				return nil
			}
		}
		_, err = s.queue.Enqueue(ctx, tx, &models.PendingOperation{
			VaultID:  vaultID,
			RemoteID: remoteID,
			Kind:     models.OpRestore,
			Target:   models.TargetCipher,
		})
		return err
	})
}

func (s *recordService) Get(ctx context.Context, id string) (*models.Record, error) {
	return s.repos.Records(s.db).GetByID(ctx, id)
}

func (s *recordService) List(ctx context.Context, f records.Filter) ([]*models.Record, error) {
	return s.repos.Records(s.db).List(ctx, f)
}

func (s *recordService) enqueue(ctx context.Context, tx dbx.DBTX, rec *models.Record, kind models.OperationKind) error {
	snap, err := rec.Snapshot()
	if err != nil {
		return err
	}
	payload, err := snap.Marshal()
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, tx, &models.PendingOperation{
		VaultID:    rec.Remote.VaultID,
		RecordID:   rec.ID,
		RemoteID:   rec.Remote.RemoteID,
		Kind:       kind,
		Target:     models.TargetCipher,
		RecordKind: rec.Kind(),
		Payload:    payload,
	})
	return err
}

// CreateFolder queues a folder create. The local folder row appears once the
// server has assigned an id.
func (s *recordService) CreateFolder(ctx context.Context, vaultID, name string) error {
	in := folderInput{VaultID: vaultID, Name: strings.TrimSpace(name)}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.repos.Vaults(tx).GetByID(ctx, vaultID); err != nil {
			return err
		}
		return s.enqueueFolder(ctx, tx, &models.PendingOperation{
			VaultID:  vaultID,
			RecordID: uuid.NewString(),
			Kind:     models.OpCreate,
		}, in.Name)
	})
}

func (s *recordService) RenameFolder(ctx context.Context, vaultID, remoteID, name string) error {
	in := folderInput{VaultID: vaultID, Name: strings.TrimSpace(name)}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := s.repos.Folders(tx).GetByRemoteID(ctx, vaultID, remoteID)
		if err != nil {
			return err
		}
		f.Name = models.Text(in.Name)
		f.IsLocallyModified = true
		if err := s.repos.Folders(tx).Upsert(ctx, f); err != nil {
			return err
		}
		return s.enqueueFolder(ctx, tx, &models.PendingOperation{
			VaultID:  vaultID,
			RecordID: f.ID,
			RemoteID: remoteID,
			Kind:     models.OpUpdate,
		}, in.Name)
	})
}

// DeleteFolder queues a folder delete; the local row goes once the server
// confirms.
func (s *recordService) DeleteFolder(ctx context.Context, vaultID, remoteID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := s.repos.Folders(tx).GetByRemoteID(ctx, vaultID, remoteID)
		if err != nil {
			return err
		}
		f.IsLocallyModified = true
		if err := s.repos.Folders(tx).Upsert(ctx, f); err != nil {
			return err
		}
		_, err = s.queue.Enqueue(ctx, tx, &models.PendingOperation{
			VaultID:  vaultID,
			RecordID: f.ID,
			RemoteID: remoteID,
			Kind:     models.OpDelete,
			Target:   models.TargetFolder,
		})
		return err
	})
}

func (s *recordService) enqueueFolder(ctx context.Context, tx dbx.DBTX, op *models.PendingOperation, name string) error {
	payload, err := json.Marshal(models.FolderPayload{Name: name})
	if err != nil {
		return err
	}
	op.Target = models.TargetFolder
	op.Payload = payload
	_, err = s.queue.Enqueue(ctx, tx, op)
	return err
}
