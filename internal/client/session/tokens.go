package session

import (
	"context"
	"fmt"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

// accessToken returns a usable access token for v, refreshing it first when
// it expires within the refresh window.
func (c *Controller) accessToken(ctx context.Context, v *models.Vault, keys *cryptox.SessionKeys, remote Remote) (string, error) {
	now := c.opts.Now()
	if !v.AccessTokenExpiring(now, common.TokenRefreshWindow) {
		token, err := keys.DecryptString(v.AccessToken)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return token, nil
	}
	return c.refresh(ctx, v, keys, remote)
}

func (c *Controller) refresh(ctx context.Context, v *models.Vault, keys *cryptox.SessionKeys, remote Remote) (string, error) {
	refreshToken, err := keys.DecryptString(v.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok, err := remote.Refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	access, err := keys.EncryptString(tok.AccessToken)
	if err != nil {
		return "", err
	}
	refresh := v.RefreshToken
	if tok.RefreshToken != "" {
		if refresh, err = keys.EncryptString(tok.RefreshToken); err != nil {
			return "", err
		}
	}
	expiresAt := tok.ExpiresAt(c.opts.Now().UTC())
	if err := c.repos.Vaults(c.db).UpdateTokens(ctx, v.ID, access, refresh, expiresAt); err != nil {
		return "", err
	}
	v.AccessToken, v.RefreshToken, v.AccessTokenExpiresAt = access, refresh, expiresAt
	c.logger.Debug(ctx, "access token refreshed", "vault_id", v.ID)
	return tok.AccessToken, nil
}
