package models

import (
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// Vault is one linked remote account. Tokens are cipher strings under the
// vault's session keys; WrappedEncKey and WrappedMacKey are cipher strings
// under the stretched master key and are what unlock verifies a password with.
type Vault struct {
	ID          string
	Email       string
	ServerURL   string
	IdentityURL string
	APIURL      string
	UserID      string
	Kdf         cryptox.KdfParams

	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt time.Time

	WrappedEncKey string
	WrappedMacKey string

	LastSyncAt       time.Time
	LastSyncRevision time.Time

	IsLocked    bool
	IsConnected bool
	SyncEnabled bool
	IsDefault   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCredentials reports whether the vault can be unlocked locally.
func (v *Vault) HasCredentials() bool {
	return v.WrappedEncKey != "" && v.WrappedMacKey != ""
}

// AccessTokenExpiring reports whether the access token must be refreshed
// before use.
func (v *Vault) AccessTokenExpiring(now time.Time, window time.Duration) bool {
	if v.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return !now.Add(window).Before(v.AccessTokenExpiresAt)
}

// Folder mirrors a remote folder.
type Folder struct {
	ID                string
	VaultID           string
	RemoteID          string
	Name              Field
	CategoryID        string
	RevisionDate      time.Time
	LastSyncedAt      time.Time
	IsLocallyModified bool
}
