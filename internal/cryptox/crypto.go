// Package cryptox implements the key hierarchy of a remote vault: master key
// derivation from the account's KDF parameters, key stretching, unwrapping of
// the server-delivered symmetric key, the cipher string format used for every
// encrypted field, and AES-GCM sealing of local snapshots.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// EncryptEntry serializes entry to JSON and encrypts it with AES-GCM.
//
// The key must be 16, 24 or 32 bytes. A new random 12-byte nonce is generated
// for every call and returned alongside the ciphertext.
//
//	ciphertext, nonce, err := EncryptEntry(snapshot, key)
func EncryptEntry(entry any, key []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(plaintext)

	return seal(plaintext, key)
}

// DecryptEntry opens ciphertext produced by EncryptEntry and unmarshals the
// JSON into v.
func DecryptEntry(ciphertext, nonce, key []byte, v any) error {
	plaintext, err := open(ciphertext, nonce, key)
	if err != nil {
		return err
	}
	defer wipe(plaintext)

	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(ciphertext, nonce, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}
	return plaintext, nil
}
