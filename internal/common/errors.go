// Package common defines the error taxonomy and small helpers shared by the
// vault synchronization engine. Callers match errors with errors.Is.
package common

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is the parent of every credential related failure.
	// Authentication errors are surfaced to the user and never retried
	// automatically.
	ErrAuthentication = errors.New("authentication error")

	ErrInvalidCredentials = authError("invalid credentials")
	ErrAuthExpired        = authError("authorization expired")
	ErrTwoFactorRequired  = authError("two-factor authentication required")
	ErrTwoFactorInvalid   = authError("two-factor code rejected")
	ErrTwoFactorExpired   = authError("two-factor challenge expired")

	// ErrNetwork covers timeouts, connectivity problems and server side
	// failures. Network errors are retryable.
	ErrNetwork = errors.New("network error")

	// ErrCrypto reports a failed unwrap, decrypt or MAC check.
	ErrCrypto = errors.New("crypto error")

	// Contract violations: the operation was invoked in the wrong state.
	ErrVaultLocked      = errors.New("vault is locked")
	ErrInvalidState     = errors.New("invalid state")
	ErrSyncInProgress   = fmt.Errorf("%w: sync already in progress", ErrInvalidState)
	ErrUnlockInProgress = fmt.Errorf("%w: unlock already in progress", ErrInvalidState)

	// Repository and remote lookups.
	ErrNotFound        = errors.New("not found")
	ErrAccountNotFound = errors.New("account not found")

	// ErrEmptyVaultBlocked is returned when the server reports an empty vault
	// while local state still holds linked records.
	ErrEmptyVaultBlocked = errors.New("server returned an empty vault; sync blocked")

	ErrValidation = errors.New("validation error")
)

type wrappedSentinel struct {
	msg    string
	parent error
}

func (e *wrappedSentinel) Error() string { return e.msg }
func (e *wrappedSentinel) Unwrap() error { return e.parent }

func authError(msg string) error {
	return &wrappedSentinel{msg: msg, parent: ErrAuthentication}
}

// IsAuthError reports whether err belongs to the authentication family.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsRetryable reports whether a failed remote call may be attempted again
// without user involvement.
func IsRetryable(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	return errors.Is(err, ErrNetwork)
}
