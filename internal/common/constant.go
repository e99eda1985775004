package common

import "time"

// AccessTokenHeaderName is the gRPC metadata key carrying the agent control
// token on outbound requests.
const AccessTokenHeaderName = "access_token"

const (
	// DefaultMaxRetries bounds automatic delivery attempts of a pending operation.
	DefaultMaxRetries = 3

	// TokenRefreshWindow is how long before expiry an access token is refreshed.
	TokenRefreshWindow = 5 * time.Minute

	// TwoFactorIdleTimeout is how long an unfinished two-factor challenge keeps
	// its intermediate key material.
	TwoFactorIdleTimeout = 5 * time.Minute
)
