// Package queue is the durable outbound queue of local mutations. Operations
// are enqueued inside the caller's transaction and delivered later, one vault
// at a time, with bounded retry.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

// Result is what the remote side reported for a delivered operation.
type Result struct {
	RemoteID     string
	RevisionDate time.Time
}

// Deliverer pushes one operation to the remote vault.
type Deliverer interface {
	Deliver(ctx context.Context, op *models.PendingOperation) (Result, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, op *models.PendingOperation) (Result, error)

func (f DelivererFunc) Deliver(ctx context.Context, op *models.PendingOperation) (Result, error) {
	return f(ctx, op)
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDeferred returns the operation to the queue untouched, as on an
	// expired authorization or a cancelled context.
	OutcomeDeferred Outcome = "deferred"
)

// Delivery reports one DeliverNext attempt.
type Delivery struct {
	Op      *models.PendingOperation
	Outcome Outcome
	Result  Result
	Err     error
}

type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = common.DefaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Queue struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	logger logging.Logger
	opts   Options

	mu     sync.Mutex
	vaults map[string]*sync.Mutex
}

func New(db *sql.DB, repos repomanager.RepositoryManager, logger logging.Logger, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		db:     db,
		repos:  repos,
		logger: logger,
		opts:   opts,
		vaults: make(map[string]*sync.Mutex),
	}
}

func (q *Queue) vaultLock(vaultID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.vaults[vaultID]
	if !ok {
		m = &sync.Mutex{}
		q.vaults[vaultID] = m
	}
	return m
}

// Backoff is the wait before the next attempt after retry failed attempts.
func (q *Queue) Backoff(retry int) time.Duration {
	d := q.opts.InitialBackoff
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return min(d, q.opts.MaxBackoff)
}

// Enqueue adds op inside tx. A pending operation of the same kind for the
// same record is refreshed instead of duplicated. An update folds into a
// pending create; a delete replaces pending creates and updates and is
// dropped when the record never reached the server. The returned operation
// is nil when nothing needs delivering.
func (q *Queue) Enqueue(ctx context.Context, tx dbx.DBTX, op *models.PendingOperation) (*models.PendingOperation, error) {
	ops := q.repos.Operations(tx)

	if op.RecordID != "" {
		switch op.Kind {
		case models.OpUpdate:
			create, err := ops.FindPending(ctx, op.VaultID, op.RecordID, models.OpCreate)
			if err != nil {
				return nil, err
			}
			if create != nil {
				return q.refresh(ctx, ops, create, op.Payload)
			}
		case models.OpDelete:
			return q.enqueueDelete(ctx, ops, op)
		}

		existing, err := ops.FindPending(ctx, op.VaultID, op.RecordID, op.Kind)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return q.refresh(ctx, ops, existing, op.Payload)
		}
	}

	return q.insert(ctx, ops, op)
}

func (q *Queue) enqueueDelete(ctx context.Context, ops operations.Repository, op *models.PendingOperation) (*models.PendingOperation, error) {
	pending, err := ops.List(ctx, operations.Filter{VaultID: op.VaultID, RecordID: op.RecordID, Status: models.StatusPending})
	if err != nil {
		return nil, err
	}
	var existing *models.PendingOperation
	for _, p := range pending {
		switch p.Kind {
		case models.OpCreate, models.OpUpdate:
			if err := ops.Delete(ctx, p.ID); err != nil {
				return nil, err
			}
		case models.OpDelete:
			existing = p
		}
	}
	if existing != nil {
		return q.refresh(ctx, ops, existing, op.Payload)
	}

	if op.RemoteID == "" {
		active, err := ops.CountActiveForRecord(ctx, op.RecordID)
		if err != nil {
			return nil, err
		}
		// Nothing reached the server and nothing is on its way there.
		if active == 0 {
			return nil, nil
		}
	}
	return q.insert(ctx, ops, op)
}

func (q *Queue) refresh(ctx context.Context, ops operations.Repository, op *models.PendingOperation, payload []byte) (*models.PendingOperation, error) {
	op.Payload = payload
	if err := ops.Update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (q *Queue) insert(ctx context.Context, ops operations.Repository, op *models.PendingOperation) (*models.PendingOperation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.opts.MaxRetries
	}
	op.Status = models.StatusPending
	if err := ops.Insert(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// DeliverNext delivers the next due operation of the vault. It returns nil,
// nil when nothing is due.
func (q *Queue) DeliverNext(ctx context.Context, vaultID string, d Deliverer) (*Delivery, error) {
	m := q.vaultLock(vaultID)
	m.Lock()
	defer m.Unlock()
	return q.deliverNext(ctx, vaultID, d)
}

// DrainResult counts the outcomes of one Drain.
type DrainResult struct {
	Delivered int
	Retrying  int
	Failed    int
}

// Drain delivers due operations until none is left. It stops early on an
// authentication failure or a cancelled context and returns that error.
func (q *Queue) Drain(ctx context.Context, vaultID string, d Deliverer, observe func(Delivery)) (DrainResult, error) {
	m := q.vaultLock(vaultID)
	m.Lock()
	defer m.Unlock()

	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dl, err := q.deliverNext(ctx, vaultID, d)
		if err != nil {
			return res, err
		}
		if dl == nil {
			return res, nil
		}
		if observe != nil {
			observe(*dl)
		}
		switch dl.Outcome {
		case OutcomeDelivered:
			res.Delivered++
		case OutcomeRetrying:
			res.Retrying++
		case OutcomeFailed:
			res.Failed++
		case OutcomeDeferred:
			return res, dl.Err
		}
	}
}

func (q *Queue) deliverNext(ctx context.Context, vaultID string, d Deliverer) (*Delivery, error) {
	ops := q.repos.Operations(q.db)
	now := q.opts.Now().UTC()

	op, err := ops.NextDeliverable(ctx, vaultID, now)
	if err != nil || op == nil {
		return nil, err
	}

	op.Status = models.StatusInProgress
	op.LastAttemptAt = now
	if err := ops.Update(ctx, op); err != nil {
		return nil, err
	}

	res, derr := d.Deliver(ctx, op)
	if derr == nil || (op.Kind == models.OpDelete && errors.Is(derr, common.ErrNotFound)) {
		if err := q.complete(context.WithoutCancel(ctx), op, res); err != nil {
			return nil, err
		}
		q.logger.Info(ctx, "operation delivered", "op_id", op.ID, "kind", op.Kind, "target", op.Target)
		return &Delivery{Op: op, Outcome: OutcomeDelivered, Result: res}, nil
	}

	dl := &Delivery{Op: op, Err: derr}
	op.LastError = derr.Error()
	switch {
	case common.IsAuthError(derr), errors.Is(derr, context.Canceled), errors.Is(derr, context.DeadlineExceeded) && ctx.Err() != nil:
		op.Status = models.StatusPending
		dl.Outcome = OutcomeDeferred
	case !common.IsRetryable(derr):
		op.RetryCount++
		op.Status = models.StatusFailed
		dl.Outcome = OutcomeFailed
	default:
		backoff := q.Backoff(op.RetryCount)
		op.RetryCount++
		if op.Exhausted() {
			op.Status = models.StatusFailed
			dl.Outcome = OutcomeFailed
		} else {
			op.Status = models.StatusPending
			op.NextRetryAt = now.Add(backoff)
			dl.Outcome = OutcomeRetrying
		}
	}

	// The caller's context may be the reason for failing; the bookkeeping
	// still has to land.
	if err := ops.Update(context.WithoutCancel(ctx), op); err != nil {
		return nil, err
	}
	q.logger.Warn(ctx, "operation delivery failed",
		"op_id", op.ID, "kind", op.Kind, "outcome", dl.Outcome, "retry", op.RetryCount, "error", derr)
	return dl, nil
}

// complete marks op delivered and carries the remote outcome onto the record
// and onto later operations of the same record, in one transaction.
func (q *Queue) complete(ctx context.Context, op *models.PendingOperation, res Result) error {
	return dbx.WithTx(ctx, q.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ops := q.repos.Operations(tx)
		records := q.repos.Records(tx)

		op.Status = models.StatusCompleted
		op.CompletedAt = q.opts.Now().UTC()
		op.LastError = ""
		if res.RemoteID != "" {
			op.RemoteID = res.RemoteID
		}
		if err := ops.Update(ctx, op); err != nil {
			return err
		}

		if op.Target != models.TargetCipher || op.RecordID == "" {
			return nil
		}

		rec, err := records.GetByID(ctx, op.RecordID)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if op.Kind == models.OpDelete {
			if rec.Deleted {
				return records.Delete(ctx, rec.ID)
			}
			return nil
		}

		if res.RemoteID != "" {
			if err := ops.ReassignRemoteID(ctx, rec.ID, res.RemoteID); err != nil {
				return err
			}
		}
		remaining, err := ops.CountActiveForRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		remoteID := op.RemoteID
		revision := res.RevisionDate
		if revision.IsZero() && rec.Remote != nil {
			revision = rec.Remote.RevisionDate
		}
		err = records.UpdateRemoteState(ctx, rec.ID, remoteID, revision, remaining > 0)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Retry re-arms a failed operation with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	ops := q.repos.Operations(q.db)
	op, err := ops.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusFailed {
		return fmt.Errorf("%w: operation %s is %s", common.ErrInvalidState, id, op.Status)
	}
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.NextRetryAt = time.Time{}
	return ops.Update(ctx, op)
}

// Discard drops an operation that is not being delivered. When it was the
// last one queued for its record, the record stops counting as locally
// modified so the next sync takes the server version.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return dbx.WithTx(ctx, q.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ops := q.repos.Operations(tx)
		op, err := ops.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if op.Status == models.StatusInProgress {
			return fmt.Errorf("%w: operation %s is being delivered", common.ErrInvalidState, id)
		}
		if err := ops.Delete(ctx, id); err != nil {
			return err
		}
		if op.RecordID == "" || op.Target != models.TargetCipher {
			return nil
		}
		n, err := ops.CountActiveForRecord(ctx, op.RecordID)
		if err != nil || n > 0 {
			return err
		}
		err = q.repos.Records(tx).SetLocallyModified(ctx, op.RecordID, false)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (q *Queue) RetryAllFailed(ctx context.Context, vaultID string) (int64, error) {
	return q.repos.Operations(q.db).RetryAllFailed(ctx, vaultID)
}

// CancelForRecord removes every unfinished operation of a record inside tx.
func (q *Queue) CancelForRecord(ctx context.Context, tx dbx.DBTX, recordID string) (int64, error) {
	return q.repos.Operations(tx).DeleteActiveForRecord(ctx, recordID)
}

// RecoverInFlight returns operations left in progress by a crash to pending.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	vaults, err := q.repos.Vaults(q.db).List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vaults {
		n, err := q.repos.Operations(q.db).ResetInProgress(ctx, v.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		q.logger.Info(ctx, "recovered interrupted operations", "count", total)
	}
	return total, nil
}

// CleanupCompleted deletes delivered operations older than olderThan.
func (q *Queue) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.repos.Operations(q.db).DeleteCompletedBefore(ctx, q.opts.Now().Add(-olderThan))
}

func (q *Queue) List(ctx context.Context, f operations.Filter) ([]*models.PendingOperation, error) {
	return q.repos.Operations(q.db).List(ctx, f)
}
