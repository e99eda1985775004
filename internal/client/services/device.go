package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/metadata"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// DeviceID returns the identifier this installation presents to vault
// servers, generating and storing it on first use.
func DeviceID(ctx context.Context, db *sql.DB, repos repomanager.RepositoryManager) (string, error) {
	repo := repos.Metadata(db)
	v, err := repo.Get(ctx, metadata.KeyDeviceID)
	if err == nil && v != "" {
		return v, nil
	}
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return "", err
	}

	id := uuid.NewString()
	if err := repo.Set(ctx, metadata.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	return id, nil
}
