package backup

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

const saltSize = 16

// sealed is the stored form of a backup.
type sealed struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts an archive with AES-GCM under a key derived from the
// passphrase with Argon2id and a fresh salt.
func Seal(a *Archive, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty backup passphrase", common.ErrValidation)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}
	key := cryptox.DeriveBackupKey(passphrase, salt)
	defer clear(key)

	ct, nonce, err := cryptox.EncryptEntry(a, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}
	return json.Marshal(sealed{
		Version:    archiveVersion,
		KDF:        "argon2id",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	})
}

// Open reverses Seal. A wrong passphrase fails authentication and is
// reported as ErrCrypto.
func Open(data, passphrase []byte) (*Archive, error) {
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: malformed backup: %v", common.ErrValidation, err)
	}
	if s.Version != archiveVersion || s.KDF != "argon2id" {
		return nil, fmt.Errorf("%w: unsupported backup format", common.ErrValidation)
	}
	key := cryptox.DeriveBackupKey(passphrase, s.Salt)
	defer clear(key)

	var a Archive
	if err := cryptox.DecryptEntry(s.Ciphertext, s.Nonce, key, &a); err != nil {
		return nil, fmt.Errorf("%w: cannot open backup: %v", common.ErrCrypto, err)
	}
	return &a, nil
}
