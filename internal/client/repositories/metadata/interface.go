// Package metadata keeps the settings of one installation of the local
// store: the device identifier, the time of the last backup and similar
// single values.
package metadata

import (
	"context"
	"time"
)

const (
	KeyDeviceID     = "device_id"
	KeyLastBackupAt = "last_backup_at"
)

type Repository interface {
	// Get returns common.ErrNotFound when key was never set.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Time reads a timestamp setting. A missing key yields the zero time.
	Time(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
}
