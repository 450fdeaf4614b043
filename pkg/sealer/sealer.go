// Package sealer encrypts session blobs at rest.
//
// Ciphertext layout is base64(nonce || XChaCha20-Poly1305 ciphertext). The
// AEAD key is derived from the configured secret with HKDF-SHA256, so
// secrets of any length are accepted.
package sealer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned for any ciphertext that cannot be opened: wrong
// key, truncation, tampering or bad encoding.
var ErrDecrypt = errors.New("sealer: ciphertext could not be decrypted")

// ErrEmptySecret is returned by New when no secret is configured.
var ErrEmptySecret = errors.New("sealer: secret must not be empty")

const info = "authkeeper session blob v1"

// Cipher is a symmetric encrypt/decrypt capability.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AEAD implements Cipher with XChaCha20-Poly1305.
type AEAD struct {
	key [chacha20poly1305.KeySize]byte
}

// New derives an AEAD cipher from secret.
func New(secret string) (*AEAD, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	a := &AEAD{}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(kdf, a.key[:]); err != nil {
		return nil, fmt.Errorf("sealer: derive key: %w", err)
	}
	return a, nil
}

// Encrypt seals plaintext under a random nonce.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(raw, ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	raw = raw[:n]
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}

	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
