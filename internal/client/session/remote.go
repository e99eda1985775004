package session

import (
	"context"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// Remote is the vault service as the controller uses it. *transport.Client
// implements it.
type Remote interface {
	PreLogin(ctx context.Context, email string) (cryptox.KdfParams, error)
	Login(ctx context.Context, g transport.PasswordGrant) (*transport.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*transport.TokenResponse, error)
	FetchAll(ctx context.Context, accessToken string) (*transport.SyncResponse, error)
	AccountRevision(ctx context.Context, accessToken string) (time.Time, error)

	CreateCipher(ctx context.Context, accessToken string, req transport.Cipher) (*transport.Cipher, error)
	UpdateCipher(ctx context.Context, accessToken, id string, req transport.Cipher) (*transport.Cipher, error)
	DeleteCipher(ctx context.Context, accessToken, id string) error
	RestoreCipher(ctx context.Context, accessToken, id string) (*transport.Cipher, error)

	CreateFolder(ctx context.Context, accessToken, encryptedName string) (*transport.Folder, error)
	UpdateFolder(ctx context.Context, accessToken, id, encryptedName string) (*transport.Folder, error)
	DeleteFolder(ctx context.Context, accessToken, id string) error
}

// RemoteFactory builds a Remote for one server.
type RemoteFactory func(identityURL, apiURL string) Remote

var _ Remote = (*transport.Client)(nil)
