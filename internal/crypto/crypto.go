// Package crypto implements the encryption hook the wire format plumbs
// through but does not mandate: pad_len and need_encryption are
// carried on every frame, but no transform is required to run. NoOp is
// the default; ChaCha20Poly1305 is available for a server/client pair
// that sets need_encryption, built on golang.org/x/crypto/chacha20poly1305.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Zxce3/teavpn2/application"
)

// NoOp is the default CryptographyService: it passes bytes through
// unchanged. pad_len stays 0 and need_encryption stays false on the
// wire as long as this is selected.
type NoOp struct{}

func NewNoOp() application.CryptographyService { return NoOp{} }

func (NoOp) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (NoOp) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// ChaCha20Poly1305 is the optional AEAD transform. It is never selected
// automatically; a deployment opts in by setting need_encryption in its
// configuration and providing a 32-byte key out of band — this package
// does not do key exchange, only the transform itself.
type ChaCha20Poly1305 struct {
	aead cipher
}

type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewChaCha20Poly1305 builds a transform from a 32-byte key.
func NewChaCha20Poly1305(key []byte) (application.CryptographyService, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &ChaCha20Poly1305{aead: aead}, nil
}

var errShortCiphertext = errors.New("crypto: ciphertext shorter than nonce")

func (c *ChaCha20Poly1305) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *ChaCha20Poly1305) Decrypt(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errShortCiphertext
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	return c.aead.Open(nil, nonce, body, nil)
}
