package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// CipherType is the numeric prefix of a cipher string.
type CipherType int

const (
	AesCbc256B64           CipherType = 0
	AesCbc256HmacSha256B64 CipherType = 2
)

const maxCipherStringLen = 1 << 20

var (
	ErrMalformedCipherString = fmt.Errorf("%w: malformed cipher string", common.ErrCrypto)
	ErrUnsupportedCipher     = fmt.Errorf("%w: unsupported cipher type", common.ErrCrypto)
	ErrMacMismatch           = fmt.Errorf("%w: mac mismatch", common.ErrCrypto)
	ErrInvalidPadding        = fmt.Errorf("%w: invalid padding", common.ErrCrypto)
	ErrMissingMacKey         = fmt.Errorf("%w: mac key required", common.ErrCrypto)
)

// CipherString is the parsed form of "<type>.<iv>|<data>|<mac>".
type CipherString struct {
	Type CipherType
	IV   []byte
	Data []byte
	MAC  []byte
}

// ParseCipherString decodes s. Headerless values are typed by their part count.
func ParseCipherString(s string) (*CipherString, error) {
	if s == "" || len(s) > maxCipherStringLen {
		return nil, ErrMalformedCipherString
	}

	header, body, hasHeader := strings.Cut(s, ".")
	parts := strings.Split(body, "|")

	var typ CipherType
	if hasHeader {
		n, err := strconv.Atoi(header)
		if err != nil {
			return nil, ErrMalformedCipherString
		}
		typ = CipherType(n)
	} else {
		parts = strings.Split(s, "|")
		typ = AesCbc256B64
		if len(parts) == 3 {
			typ = AesCbc256HmacSha256B64
		}
	}

	cs := &CipherString{Type: typ}
	var err error

	switch typ {
	case AesCbc256B64:
		if len(parts) != 2 {
			return nil, ErrMalformedCipherString
		}
	case AesCbc256HmacSha256B64:
		if len(parts) != 3 {
			return nil, ErrMalformedCipherString
		}
		if cs.MAC, err = decodeB64(parts[2]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCipher, typ)
	}

	if cs.IV, err = decodeB64(parts[0]); err != nil {
		return nil, err
	}
	if cs.Data, err = decodeB64(parts[1]); err != nil {
		return nil, err
	}
	if len(cs.IV) != aes.BlockSize {
		return nil, ErrMalformedCipherString
	}
	return cs, nil
}

// String renders the canonical form.
func (c *CipherString) String() string {
	enc := base64.StdEncoding
	s := strconv.Itoa(int(c.Type)) + "." + enc.EncodeToString(c.IV) + "|" + enc.EncodeToString(c.Data)
	if c.Type == AesCbc256HmacSha256B64 {
		s += "|" + enc.EncodeToString(c.MAC)
	}
	return s
}

// decodeB64 accepts standard, URL-safe and unpadded base64.
func decodeB64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimSpace(s))
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCipherString, err)
	}
	return b, nil
}

// decrypt verifies the MAC (when the type carries one) before touching the
// ciphertext.
func (c *CipherString) decrypt(encKey, macKey []byte) ([]byte, error) {
	if c.Type == AesCbc256HmacSha256B64 {
		if len(macKey) == 0 {
			return nil, ErrMissingMacKey
		}
		if !hmac.Equal(c.MAC, computeMAC(macKey, c.IV, c.Data)) {
			return nil, ErrMacMismatch
		}
	}

	if len(c.Data) == 0 || len(c.Data)%aes.BlockSize != 0 {
		return nil, ErrMalformedCipherString
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}

	out := make([]byte, len(c.Data))
	cipher.NewCBCDecrypter(block, c.IV).CryptBlocks(out, c.Data)

	return pkcs7Unpad(out)
}

func encryptCBC(encKey, macKey, plaintext []byte) (*CipherString, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext)
	data := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, padded)
	wipe(padded)

	return &CipherString{
		Type: AesCbc256HmacSha256B64,
		IV:   iv,
		Data: data,
		MAC:  computeMAC(macKey, iv, data),
	}, nil
}

func computeMAC(macKey, iv, data []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(iv)
	m.Write(data)
	return m.Sum(nil)
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
