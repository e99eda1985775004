package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/JoyinJoester/Monica-sub008/internal/client/config"
	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/client/services"
	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

// newRemote builds the client of one remote server. Tests replace it.
var newRemote = func(device transport.Device, cfg *config.Config, logger logging.Logger) session.RemoteFactory {
	return func(identityURL, apiURL string) session.Remote {
		return transport.NewClient(transport.Options{
			IdentityURL: identityURL,
			APIURL:      apiURL,
			Device:      device,
			Timeout:     cfg.Sync.RequestTimeout,
			Logger:      logger,
		})
	}
}

// App is the engine wired for one command invocation.
type App struct {
	cfg     *config.Config
	logger  logging.Logger
	db      *sql.DB
	repos   *repomanager.SQLRepositoryManager
	queue   *queue.Queue
	events  *events.Broker
	ctrl    *session.Controller
	records services.RecordService
	prompt  *prompter
	out     io.Writer
}

func NewApp(ctx context.Context, cfg *config.Config, in io.Reader, out, errOut io.Writer) (*App, error) {
	logger, err := logging.New(errOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	db, repos, err := repomanager.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	deviceID, err := services.DeviceID(ctx, db, repos)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	q := queue.New(db, repos, logger, queue.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
	})
	broker := events.NewBroker()

	ctrl, err := session.New(ctx, session.Options{
		DB:               db,
		Repos:            repos,
		Remote:           newRemote(transport.Device{Identifier: deviceID, Name: cfg.DeviceName}, cfg, logger),
		Queue:            q,
		Events:           broker,
		Logger:           logger,
		TwoFactorTimeout: cfg.Sync.TwoFactorTimeout,
		IncludeFolders:   cfg.Sync.IncludeFolders,
		ExcludeFolders:   cfg.Sync.ExcludeFolders,
		SyncParallelism:  cfg.Sync.Parallelism,
	})
	if err != nil {
		broker.Close()
		_ = db.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		repos:   repos,
		queue:   q,
		events:  broker,
		ctrl:    ctrl,
		records: services.NewRecordService(db, repos, q, logger),
		prompt:  newPrompter(in, out),
		out:     out,
	}, nil
}

// Close locks every vault and releases the store.
func (a *App) Close(ctx context.Context) error {
	a.ctrl.LockAll(ctx)
	a.ctrl.Close()
	a.events.Close()
	return a.db.Close()
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// resolveVault finds a vault by id or email. An empty reference picks the
// default vault, or the only one.
func (a *App) resolveVault(ctx context.Context, ref string) (*models.Vault, error) {
	vaults, err := a.repos.Vaults(a.db).List(ctx)
	if err != nil {
		return nil, err
	}
	if len(vaults) == 0 {
		return nil, fmt.Errorf("%w: no vaults, run login first", common.ErrNotFound)
	}

	if ref == "" {
		if len(vaults) == 1 {
			return vaults[0], nil
		}
		for _, v := range vaults {
			if v.IsDefault {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: several vaults, choose one with --vault", common.ErrValidation)
	}

	var match []*models.Vault
	for _, v := range vaults {
		if v.ID == ref {
			return v, nil
		}
		if strings.EqualFold(v.Email, ref) {
			match = append(match, v)
		}
	}
	switch len(match) {
	case 0:
		return nil, fmt.Errorf("%w: vault %q", common.ErrNotFound, ref)
	case 1:
		return match[0], nil
	}
	return nil, fmt.Errorf("%w: %q matches vaults on several servers, use the vault id", common.ErrValidation, ref)
}

// unlock asks for the master password and unlocks the vault for the rest
// of this invocation.
func (a *App) unlock(ctx context.Context, v *models.Vault) error {
	if a.ctrl.State(v.ID) == session.Unlocked {
		return nil
	}
	pw, err := a.prompt.Secret(fmt.Sprintf("Master password for %s", v.Email))
	if err != nil {
		return err
	}
	defer clear(pw)
	return a.ctrl.Unlock(ctx, v.ID, pw)
}
