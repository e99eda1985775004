package transport

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// TwoFactorProvider identifies a second factor method.
type TwoFactorProvider int

const (
	ProviderAuthenticator TwoFactorProvider = 0
	ProviderEmail         TwoFactorProvider = 1
	ProviderDuo           TwoFactorProvider = 2
	ProviderYubiKey       TwoFactorProvider = 3
	ProviderWebAuthn      TwoFactorProvider = 7

	// ProviderEmailNewDevice is the one-time code mailed when the server
	// does not recognise the device. It is sent as newDeviceOtp instead of
	// a two-factor token.
	ProviderEmailNewDevice TwoFactorProvider = -1
)

func (p TwoFactorProvider) String() string {
	switch p {
	case ProviderAuthenticator:
		return "authenticator"
	case ProviderEmail:
		return "email"
	case ProviderDuo:
		return "duo"
	case ProviderYubiKey:
		return "yubikey"
	case ProviderWebAuthn:
		return "webauthn"
	case ProviderEmailNewDevice:
		return "email-new-device"
	}
	return "provider-" + strconv.Itoa(int(p))
}

// ParseTwoFactorProvider accepts the names returned by String.
func ParseTwoFactorProvider(s string) (TwoFactorProvider, error) {
	for _, p := range []TwoFactorProvider{
		ProviderAuthenticator, ProviderEmail, ProviderDuo,
		ProviderYubiKey, ProviderWebAuthn, ProviderEmailNewDevice,
	} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown two-factor provider %q", common.ErrValidation, s)
}

// APIError is returned for every non-2xx response. Err carries the
// classification and is reachable with errors.Is / errors.As.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// TwoFactorError reports that the password was accepted but a second factor
// is required. Providers is sorted and never empty.
type TwoFactorError struct {
	Providers []TwoFactorProvider
}

func (e *TwoFactorError) Error() string {
	return fmt.Sprintf("two-factor authentication required (%v)", e.Providers)
}

func (e *TwoFactorError) Unwrap() error { return common.ErrTwoFactorRequired }

func sortProviders(ps []TwoFactorProvider) []TwoFactorProvider {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
