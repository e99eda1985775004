package cryptox

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KdfType is the server-assigned key derivation algorithm id.
type KdfType int

const (
	KdfPBKDF2SHA256 KdfType = 0
	KdfArgon2id     KdfType = 1
)

func (t KdfType) String() string {
	switch t {
	case KdfPBKDF2SHA256:
		return "pbkdf2-sha256"
	case KdfArgon2id:
		return "argon2id"
	}
	return fmt.Sprintf("kdf(%d)", int(t))
}

// KdfParams are the account's derivation settings as reported by pre-login.
// Memory is in MiB and Parallelism only applies to Argon2id.
type KdfParams struct {
	Type        KdfType `json:"type"`
	Iterations  int     `json:"iterations"`
	Memory      int     `json:"memory,omitempty"`
	Parallelism int     `json:"parallelism,omitempty"`
}

const (
	masterKeySize = 32

	minPBKDF2Iterations = 5000
	maxPBKDF2Iterations = 2_000_000
	minArgonMemoryMiB   = 15
	maxArgonMemoryMiB   = 1024
	maxArgonParallelism = 16
	maxArgonIterations  = 10
)

var ErrUnsupportedKdf = errors.New("crypto: unsupported kdf parameters")

// DefaultKdfParams mirrors what a server reports for a new PBKDF2 account.
func DefaultKdfParams() KdfParams {
	return KdfParams{Type: KdfPBKDF2SHA256, Iterations: 600_000}
}

// Validate rejects unknown algorithms and cost values outside the accepted range.
func (p KdfParams) Validate() error {
	switch p.Type {
	case KdfPBKDF2SHA256:
		if p.Iterations < minPBKDF2Iterations || p.Iterations > maxPBKDF2Iterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d", ErrUnsupportedKdf, p.Iterations)
		}
	case KdfArgon2id:
		if p.Iterations < 1 || p.Iterations > maxArgonIterations {
			return fmt.Errorf("%w: argon2id iterations %d", ErrUnsupportedKdf, p.Iterations)
		}
		if p.Memory < minArgonMemoryMiB || p.Memory > maxArgonMemoryMiB {
			return fmt.Errorf("%w: argon2id memory %d MiB", ErrUnsupportedKdf, p.Memory)
		}
		if p.Parallelism < 1 || p.Parallelism > maxArgonParallelism {
			return fmt.Errorf("%w: argon2id parallelism %d", ErrUnsupportedKdf, p.Parallelism)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKdf, p.Type)
	}
	return nil
}

// NormalizeEmail is the salt basis for both algorithms.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DeriveMasterKey turns the password into the 32 byte master key using exactly
// the algorithm and cost in p. It performs no I/O and is deterministic.
func DeriveMasterKey(password []byte, email string, p KdfParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	salt := []byte(NormalizeEmail(email))

	switch p.Type {
	case KdfArgon2id:
		digest := sha256.Sum256(salt)
		return argon2.IDKey(password, digest[:], uint32(p.Iterations), uint32(p.Memory*1024), uint8(p.Parallelism), masterKeySize), nil
	default:
		return pbkdf2.Key(password, salt, p.Iterations, masterKeySize, sha256.New), nil
	}
}

// HashMasterPassword produces the server authentication hash. The password
// itself never leaves the process.
func HashMasterPassword(masterKey, password []byte) string {
	h := pbkdf2.Key(masterKey, password, 1, masterKeySize, sha256.New)
	defer wipe(h)
	return base64.StdEncoding.EncodeToString(h)
}

// DeriveBackupKey derives an AES-256 key from a backup passphrase.
func DeriveBackupKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
