// Package backup exports the local store into an encrypted archive kept in
// an S3-compatible bucket, and restores it.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/metadata"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

const fileSuffix = ".vsbak"

type Service struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	store  ObjectStore
	prefix string
	logger logging.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, repos repomanager.RepositoryManager, store ObjectStore, prefix string, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		db:     db,
		repos:  repos,
		store:  store,
		prefix: prefix,
		logger: logger.With("module", "backup"),
		now:    time.Now,
	}
}

// Push exports, seals and uploads a backup, returning its key.
func (s *Service) Push(ctx context.Context, passphrase []byte) (string, error) {
	a, err := Export(ctx, s.db, s.repos)
	if err != nil {
		return "", fmt.Errorf("failed to export: %w", err)
	}
	if id, err := s.repos.Metadata(s.db).Get(ctx, metadata.KeyDeviceID); err == nil {
		a.DeviceID = id
	}

	data, err := Seal(a, passphrase)
	if err != nil {
		return "", err
	}

	at := s.now().UTC()
	key := s.prefix + at.Format("20060102T150405.000Z") + fileSuffix
	if err := s.store.Put(ctx, key, data); err != nil {
		return "", err
	}
	if err := s.repos.Metadata(s.db).SetTime(ctx, metadata.KeyLastBackupAt, at); err != nil {
		return "", err
	}

	s.logger.Info(ctx, "backup uploaded", "key", key, "records", len(a.Records), "vaults", len(a.Vaults))
	return key, nil
}

// Pull downloads and restores a backup. An empty key picks the newest one
// under the prefix.
func (s *Service) Pull(ctx context.Context, key string, passphrase []byte) (*Archive, error) {
	if key == "" {
		keys, err := s.store.List(ctx, s.prefix)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: no backups under %q", common.ErrNotFound, s.prefix)
		}
		key = keys[len(keys)-1]
	} else if !strings.HasPrefix(key, s.prefix) {
		key = s.prefix + key
	}

	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	a, err := Open(data, passphrase)
	if err != nil {
		return nil, err
	}
	if err := Restore(ctx, s.db, s.repos, a); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", key, err)
	}

	s.logger.Info(ctx, "backup restored", "key", key, "records", len(a.Records), "vaults", len(a.Vaults))
	return a, nil
}

// LastPush reports when this store was last uploaded; zero if never.
func (s *Service) LastPush(ctx context.Context) (time.Time, error) {
	return s.repos.Metadata(s.db).Time(ctx, metadata.KeyLastBackupAt)
}

// List returns the available backup keys, oldest first.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.List(ctx, s.prefix)
}
