// Package session is the vault session controller: the only stateful part of
// the engine. It owns the per-vault lifecycle (login, two-factor, unlock,
// lock, logout), runs sync passes and drains the outbound queue.
package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

type Options struct {
	DB     *sql.DB
	Repos  repomanager.RepositoryManager
	Remote RemoteFactory
	Queue  *queue.Queue
	Events *events.Broker
	Logger logging.Logger

	// TwoFactorTimeout bounds how long a pending challenge keeps its key
	// material.
	TwoFactorTimeout time.Duration
	// IncludeFolders and ExcludeFolders are doublestar patterns matched
	// against decrypted folder names. Items in filtered folders are left
	// out of sync on both sides.
	IncludeFolders []string
	ExcludeFolders []string
	// SyncParallelism bounds SyncAll.
	SyncParallelism int
	Now             func() time.Time
}

type Controller struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	newRemote RemoteFactory
	queue     *queue.Queue
	events    *events.Broker
	logger    logging.Logger
	opts      Options

	// ownsEvents is set when the broker was created by New.
	ownsEvents bool

	mu         sync.Mutex
	vaults     map[string]*vaultSession
	challenges map[string]*challenge
}

// New builds a controller and restores the lifecycle state of known vaults:
// every vault with stored credentials starts Locked.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.DB == nil || opts.Repos == nil || opts.Remote == nil || opts.Queue == nil {
		return nil, errors.New("session: db, repositories, remote factory and queue are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ownsEvents := opts.Events == nil
	if ownsEvents {
		opts.Events = events.NewBroker()
	}
	if opts.TwoFactorTimeout <= 0 {
		opts.TwoFactorTimeout = common.TwoFactorIdleTimeout
	}
	if opts.SyncParallelism <= 0 {
		opts.SyncParallelism = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		db:         opts.DB,
		repos:      opts.Repos,
		newRemote:  opts.Remote,
		queue:      opts.Queue,
		events:     opts.Events,
		logger:     opts.Logger.With("module", "session"),
		opts:       opts,
		ownsEvents: ownsEvents,
		vaults:     make(map[string]*vaultSession),
		challenges: make(map[string]*challenge),
	}

	if err := c.restore(ctx); err != nil {
		if ownsEvents {
			c.events.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Controller) restore(ctx context.Context) error {
	vaults, err := c.repos.Vaults(c.db).List(ctx)
	if err != nil {
		return err
	}
	for _, v := range vaults {
		st := LoggedOut
		if v.HasCredentials() {
			st = Locked
			if !v.IsLocked {
				if err := c.repos.Vaults(c.db).SetLocked(ctx, v.ID, true); err != nil {
					return err
				}
			}
		}
		c.vaults[v.ID] = &vaultSession{state: st}
	}

	_, err = c.queue.RecoverInFlight(ctx)
	return err
}

// session returns the in-memory state of a known vault.
func (c *Controller) session(vaultID string) *vaultSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs, ok := c.vaults[vaultID]
	if !ok {
		vs = &vaultSession{state: LoggedOut}
		c.vaults[vaultID] = vs
	}
	return vs
}

func (c *Controller) lookup(vaultID string) (*vaultSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs, ok := c.vaults[vaultID]
	return vs, ok
}

func (c *Controller) transition(vaultID string, vs *vaultSession, next State) {
	vs.set(next)
	c.publish(events.Event{Type: events.StateChanged, VaultID: vaultID, Detail: next.String()})
}

func (c *Controller) publish(ev events.Event) {
	c.events.Publish(ev)
}

// Subscribe registers an observer of engine events.
func (c *Controller) Subscribe() (<-chan events.Event, func()) {
	return c.events.Subscribe()
}

// State reports the lifecycle state of a vault. Unknown vaults are LoggedOut.
func (c *Controller) State(vaultID string) State {
	vs, ok := c.lookup(vaultID)
	if !ok {
		return LoggedOut
	}
	return vs.current()
}

// Close locks every vault and abandons pending two-factor challenges. A
// broker created by New is closed too, which ends every subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.challenges))
	for id := range c.challenges {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.CancelTwoFactor(id)
	}
	c.LockAll(context.Background())
	if c.ownsEvents {
		c.events.Close()
	}
}

// authFailed applies the authentication error policy: two consecutive
// failures lock the vault. It reports whether the vault was locked.
func (c *Controller) authFailed(ctx context.Context, vaultID string, vs *vaultSession, err error) bool {
	if !common.IsAuthError(err) {
		return false
	}
	vs.mu.Lock()
	vs.authFailures++
	n := vs.authFailures
	vs.mu.Unlock()

	if n < 2 {
		c.logger.Warn(ctx, "authentication failure", "vault_id", vaultID, "count", n, "error", err)
		return false
	}
	c.logger.Warn(ctx, "repeated authentication failures, locking vault", "vault_id", vaultID)
	c.lock(ctx, vaultID, vs)
	return true
}

func (c *Controller) authSucceeded(vs *vaultSession) {
	vs.mu.Lock()
	vs.authFailures = 0
	vs.mu.Unlock()
}
