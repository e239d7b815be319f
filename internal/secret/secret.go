// Package secret seals and opens small byte blobs with NaCl secretbox.
// Account passwords are stored sealed; the engine opens them just
// before SMTP AUTH. Key management and rotation live outside the core.
package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrOpen means the blob could not be authenticated with the given key.
var ErrOpen = errors.New("secret: cannot open blob")

// Seal encrypts plaintext under key, prepending the random nonce.
func Seal(key *[KeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts a blob produced by Seal.
func Open(key *[KeySize]byte, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	out, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
