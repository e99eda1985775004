package common

import (
	"crypto/rand"
	"runtime"
)

// GenerateRandByteArray returns size bytes from crypto/rand. It panics if the
// system random source fails, since no key material can be produced safely
// after that.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WipeByteArray overwrites b with zeros. Nil slices are ignored.
func WipeByteArray(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
