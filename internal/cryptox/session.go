package cryptox

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/memlock"
)

const (
	symmetricKeySize = 32
	protectedKeySize = 2 * symmetricKeySize
)

var ErrKeysCleared = fmt.Errorf("%w: session keys cleared", common.ErrCrypto)

// SessionKeys is the unlocked encryption/MAC key pair of one vault. The key
// bytes never leave this package: callers encrypt and decrypt through its
// methods and must call Clear when the keys are no longer needed.
type SessionKeys struct {
	mu  sync.RWMutex
	buf []byte // enc || mac, pinned with memlock
}

func newSessionKeys(enc, mac []byte) *SessionKeys {
	buf := make([]byte, protectedKeySize)
	copy(buf, enc)
	copy(buf[symmetricKeySize:], mac)
	_ = memlock.Lock(buf)
	return &SessionKeys{buf: buf}
}

// GenerateSessionKeys creates a fresh random key pair.
func GenerateSessionKeys() *SessionKeys {
	raw := common.GenerateRandByteArray(protectedKeySize)
	defer wipe(raw)
	return newSessionKeys(raw[:symmetricKeySize], raw[symmetricKeySize:])
}

// stretch expands a master key into the pair used to wrap the symmetric key.
func stretch(masterKey []byte) (*SessionKeys, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", common.ErrCrypto, masterKeySize)
	}

	enc := make([]byte, symmetricKeySize)
	mac := make([]byte, symmetricKeySize)
	defer wipe(enc)
	defer wipe(mac)

	if _, err := io.ReadFull(hkdf.Expand(sha256.New, masterKey, []byte("enc")), enc); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, masterKey, []byte("mac")), mac); err != nil {
		return nil, err
	}
	return newSessionKeys(enc, mac), nil
}

// StretchAndUnwrap expands the master key and unwraps the stored encryption
// and MAC keys. Any failure means the password was wrong.
func StretchAndUnwrap(masterKey []byte, wrappedEncKey, wrappedMacKey string) (*SessionKeys, error) {
	stretched, err := stretch(masterKey)
	if err != nil {
		return nil, err
	}
	defer stretched.Clear()

	enc, err := stretched.Decrypt(wrappedEncKey)
	if err != nil || len(enc) != symmetricKeySize {
		wipe(enc)
		return nil, common.ErrInvalidCredentials
	}
	defer wipe(enc)

	mac, err := stretched.Decrypt(wrappedMacKey)
	if err != nil || len(mac) != symmetricKeySize {
		wipe(mac)
		return nil, common.ErrInvalidCredentials
	}
	defer wipe(mac)

	return newSessionKeys(enc, mac), nil
}

// UnwrapProtectedKey decrypts the 64 byte symmetric key delivered by the
// server at login. Legacy type 0 keys are decrypted with the raw master key.
func UnwrapProtectedKey(masterKey []byte, protectedKey string) (*SessionKeys, error) {
	cs, err := ParseCipherString(protectedKey)
	if err != nil {
		return nil, common.ErrInvalidCredentials
	}

	var raw []byte
	if cs.Type == AesCbc256B64 {
		raw, err = cs.decrypt(masterKey, nil)
	} else {
		stretched, serr := stretch(masterKey)
		if serr != nil {
			return nil, serr
		}
		raw, err = cs.decrypt(stretched.encKey(), stretched.macKey())
		stretched.Clear()
	}
	defer wipe(raw)

	if err != nil || len(raw) != protectedKeySize {
		return nil, common.ErrInvalidCredentials
	}
	return newSessionKeys(raw[:symmetricKeySize], raw[symmetricKeySize:]), nil
}

// ProtectKey wraps keys as one cipher string under the stretched master key,
// the form a server hands out at login.
func ProtectKey(masterKey []byte, keys *SessionKeys) (string, error) {
	stretched, err := stretch(masterKey)
	if err != nil {
		return "", err
	}
	defer stretched.Clear()

	keys.mu.RLock()
	defer keys.mu.RUnlock()
	if keys.buf == nil {
		return "", ErrKeysCleared
	}
	return stretched.Encrypt(keys.buf)
}

// WrapSessionKeys wraps the encryption and MAC keys separately under the
// stretched master key for local storage.
func WrapSessionKeys(masterKey []byte, keys *SessionKeys) (wrappedEnc, wrappedMac string, err error) {
	stretched, err := stretch(masterKey)
	if err != nil {
		return "", "", err
	}
	defer stretched.Clear()

	keys.mu.RLock()
	defer keys.mu.RUnlock()
	if keys.buf == nil {
		return "", "", ErrKeysCleared
	}

	if wrappedEnc, err = stretched.Encrypt(keys.buf[:symmetricKeySize]); err != nil {
		return "", "", err
	}
	if wrappedMac, err = stretched.Encrypt(keys.buf[symmetricKeySize:]); err != nil {
		return "", "", err
	}
	return wrappedEnc, wrappedMac, nil
}

// UnwrapItemKey decrypts a per-item key wrapped under k. Items carrying
// such a key have their fields encrypted with it instead of the vault keys.
func (k *SessionKeys) UnwrapItemKey(wrapped string) (*SessionKeys, error) {
	raw, err := k.Decrypt(wrapped)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	if len(raw) != protectedKeySize {
		return nil, fmt.Errorf("%w: item key must be %d bytes", common.ErrCrypto, protectedKeySize)
	}
	return newSessionKeys(raw[:symmetricKeySize], raw[symmetricKeySize:]), nil
}

// WrapItemKey encrypts item under k, the inverse of UnwrapItemKey.
func (k *SessionKeys) WrapItemKey(item *SessionKeys) (string, error) {
	item.mu.RLock()
	defer item.mu.RUnlock()
	if item.buf == nil {
		return "", ErrKeysCleared
	}
	return k.Encrypt(item.buf)
}

func (k *SessionKeys) encKey() []byte { return k.buf[:symmetricKeySize] }
func (k *SessionKeys) macKey() []byte { return k.buf[symmetricKeySize:] }

// Encrypt produces a type 2 cipher string.
func (k *SessionKeys) Encrypt(plaintext []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil {
		return "", ErrKeysCleared
	}

	cs, err := encryptCBC(k.encKey(), k.macKey(), plaintext)
	if err != nil {
		return "", err
	}
	return cs.String(), nil
}

// EncryptString is Encrypt for text values.
func (k *SessionKeys) EncryptString(s string) (string, error) {
	return k.Encrypt([]byte(s))
}

// Decrypt parses and decrypts a cipher string.
func (k *SessionKeys) Decrypt(s string) ([]byte, error) {
	cs, err := ParseCipherString(s)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil {
		return nil, ErrKeysCleared
	}
	return cs.decrypt(k.encKey(), k.macKey())
}

// DecryptString is Decrypt for text values.
func (k *SessionKeys) DecryptString(s string) (string, error) {
	b, err := k.Decrypt(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clear zeroes the key bytes and drops the buffer. It is safe to call more
// than once and on a nil receiver.
func (k *SessionKeys) Clear() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf == nil {
		return
	}
	wipe(k.buf)
	_ = memlock.Unlock(k.buf)
	k.buf = nil
}

// Cleared reports whether Clear has run.
func (k *SessionKeys) Cleared() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.buf == nil
}

// TwoFactorState is the intermediate material of a login waiting for a second
// factor. It holds the unstretched master key and must be cleared when the
// challenge completes, is abandoned or times out.
type TwoFactorState struct {
	Email        string
	Kdf          KdfParams
	MasterKey    []byte
	PasswordHash []byte
}

// NewTwoFactorState copies the secrets so the caller can wipe its own buffers.
func NewTwoFactorState(email string, kdf KdfParams, masterKey []byte, passwordHash string) *TwoFactorState {
	s := &TwoFactorState{
		Email:        email,
		Kdf:          kdf,
		MasterKey:    append([]byte(nil), masterKey...),
		PasswordHash: []byte(passwordHash),
	}
	_ = memlock.Lock(s.MasterKey)
	return s
}

// Clear zeroes the held key material.
func (s *TwoFactorState) Clear() {
	if s == nil {
		return
	}
	wipe(s.MasterKey)
	_ = memlock.Unlock(s.MasterKey)
	wipe(s.PasswordHash)
	s.MasterKey = nil
	s.PasswordHash = nil
}

func wipe(b []byte) {
	common.WipeByteArray(b)
}
