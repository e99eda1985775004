package cryptox

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

func fastPBKDF2() KdfParams {
	return KdfParams{Type: KdfPBKDF2SHA256, Iterations: 5000}
}

func fastArgon() KdfParams {
	return KdfParams{Type: KdfArgon2id, Iterations: 1, Memory: 16, Parallelism: 1}
}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	for _, p := range []KdfParams{fastPBKDF2(), fastArgon()} {
		t.Run(p.Type.String(), func(t *testing.T) {
			k1, err := DeriveMasterKey([]byte("correct horse"), "User@Example.com", p)
			require.NoError(t, err)
			k2, err := DeriveMasterKey([]byte("correct horse"), "user@example.com ", p)
			require.NoError(t, err)

			assert.Len(t, k1, 32)
			assert.Equal(t, k1, k2, "salt must be the normalized email")

			k3, err := DeriveMasterKey([]byte("correct horse"), "other@example.com", p)
			require.NoError(t, err)
			assert.NotEqual(t, k1, k3)
		})
	}
}

func TestDeriveMasterKey_ParamsAreAuthoritative(t *testing.T) {
	a, err := DeriveMasterKey([]byte("pw"), "a@b.c", KdfParams{Type: KdfPBKDF2SHA256, Iterations: 5000})
	require.NoError(t, err)
	b, err := DeriveMasterKey([]byte("pw"), "a@b.c", KdfParams{Type: KdfPBKDF2SHA256, Iterations: 5001})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKdfParams_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    KdfParams
		ok   bool
	}{
		{"default", DefaultKdfParams(), true},
		{"pbkdf2 too cheap", KdfParams{Type: KdfPBKDF2SHA256, Iterations: 10}, false},
		{"argon ok", KdfParams{Type: KdfArgon2id, Iterations: 3, Memory: 64, Parallelism: 4}, true},
		{"argon memory", KdfParams{Type: KdfArgon2id, Iterations: 3, Memory: 4, Parallelism: 4}, false},
		{"argon parallelism", KdfParams{Type: KdfArgon2id, Iterations: 3, Memory: 64, Parallelism: 0}, false},
		{"unknown", KdfParams{Type: 7, Iterations: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsupportedKdf)
			}
		})
	}
}

func TestHashMasterPassword_KnownAnswer(t *testing.T) {
	// PBKDF2-HMAC-SHA256("password", "salt", 1, 32)
	want, _ := hex.DecodeString("120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b")
	got := HashMasterPassword([]byte("password"), []byte("salt"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(want), got)
}

func TestDeriveBackupKey(t *testing.T) {
	key := DeriveBackupKey([]byte("secret-password"), []byte("fixed-salt"))
	assert.Len(t, key, 32)
	assert.Equal(t, key, DeriveBackupKey([]byte("secret-password"), []byte("fixed-salt")))
	assert.NotEqual(t, key, DeriveBackupKey([]byte("secret-password"), []byte("other-salt")))
	assert.NotEqual(t, key, DeriveBackupKey([]byte("other-password"), []byte("fixed-salt")))
}

func TestStretchAndUnwrap_RoundTrip(t *testing.T) {
	master, err := DeriveMasterKey([]byte("hunter2"), "a@b.c", fastPBKDF2())
	require.NoError(t, err)

	keys := GenerateSessionKeys()
	defer keys.Clear()

	wrappedEnc, wrappedMac, err := WrapSessionKeys(master, keys)
	require.NoError(t, err)

	unlocked, err := StretchAndUnwrap(master, wrappedEnc, wrappedMac)
	require.NoError(t, err)
	defer unlocked.Clear()

	ct, err := keys.EncryptString("s3cret")
	require.NoError(t, err)
	pt, err := unlocked.DecryptString(ct)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pt)
}

func TestStretchAndUnwrap_WrongPasswordAlwaysFails(t *testing.T) {
	master, err := DeriveMasterKey([]byte("right"), "a@b.c", fastPBKDF2())
	require.NoError(t, err)
	keys := GenerateSessionKeys()
	defer keys.Clear()
	wrappedEnc, wrappedMac, err := WrapSessionKeys(master, keys)
	require.NoError(t, err)

	for _, pw := range []string{"wrong", "Right", "right ", ""} {
		bad, err := DeriveMasterKey([]byte(pw), "a@b.c", fastPBKDF2())
		require.NoError(t, err)

		got, err := StretchAndUnwrap(bad, wrappedEnc, wrappedMac)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, common.ErrInvalidCredentials, "password %q", pw)
	}
}

func TestUnwrapProtectedKey(t *testing.T) {
	master, err := DeriveMasterKey([]byte("pw"), "a@b.c", fastPBKDF2())
	require.NoError(t, err)

	keys := GenerateSessionKeys()
	defer keys.Clear()

	protected, err := ProtectKey(master, keys)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(protected, "2."))

	got, err := UnwrapProtectedKey(master, protected)
	require.NoError(t, err)
	defer got.Clear()

	ct, err := got.EncryptString("x")
	require.NoError(t, err)
	pt, err := keys.DecryptString(ct)
	require.NoError(t, err)
	assert.Equal(t, "x", pt)

	wrong, err := DeriveMasterKey([]byte("nope"), "a@b.c", fastPBKDF2())
	require.NoError(t, err)
	_, err = UnwrapProtectedKey(wrong, protected)
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = UnwrapProtectedKey(master, "garbage")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestSessionKeys_Clear(t *testing.T) {
	keys := GenerateSessionKeys()
	buf := keys.buf

	keys.Clear()
	assert.True(t, keys.Cleared())
	assert.Equal(t, make([]byte, protectedKeySize), buf, "key bytes must be zeroed")

	_, err := keys.EncryptString("x")
	assert.ErrorIs(t, err, ErrKeysCleared)
	_, err = keys.Decrypt("2.AAAAAAAAAAAAAAAAAAAAAA==|AAAAAAAAAAAAAAAAAAAAAA==|AAAA")
	assert.ErrorIs(t, err, ErrKeysCleared)

	assert.NotPanics(t, keys.Clear)
	var nilKeys *SessionKeys
	assert.NotPanics(t, nilKeys.Clear)
}

func TestTwoFactorState_Clear(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")
	s := NewTwoFactorState("a@b.c", fastPBKDF2(), master, "hash")
	held := s.MasterKey

	s.Clear()
	assert.Nil(t, s.MasterKey)
	assert.Nil(t, s.PasswordHash)
	assert.Equal(t, make([]byte, 32), held)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(master), "caller buffer untouched")
}

func TestEncryptDecryptEntry(t *testing.T) {
	type snapshot struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	key := common.GenerateRandByteArray(32)

	ct, nonce, err := EncryptEntry(snapshot{Name: "vault", Count: 3}, key)
	require.NoError(t, err)
	assert.Len(t, nonce, 12)

	var got snapshot
	require.NoError(t, DecryptEntry(ct, nonce, key, &got))
	assert.Equal(t, snapshot{Name: "vault", Count: 3}, got)

	ct[0] ^= 0xff
	assert.ErrorIs(t, DecryptEntry(ct, nonce, key, &got), common.ErrCrypto)
}

func TestItemKey_RoundTrip(t *testing.T) {
	vault := GenerateSessionKeys()
	defer vault.Clear()
	item := GenerateSessionKeys()
	defer item.Clear()

	wrapped, err := vault.WrapItemKey(item)
	require.NoError(t, err)

	ct, err := item.EncryptString("per-item secret")
	require.NoError(t, err)

	unwrapped, err := vault.UnwrapItemKey(wrapped)
	require.NoError(t, err)
	defer unwrapped.Clear()

	pt, err := unwrapped.DecryptString(ct)
	require.NoError(t, err)
	assert.Equal(t, "per-item secret", pt)

	short, err := vault.EncryptString("too short")
	require.NoError(t, err)
	_, err = vault.UnwrapItemKey(short)
	assert.ErrorIs(t, err, common.ErrCrypto)
}
