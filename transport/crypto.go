package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"qtun/utils"
)

// NonceSize is the AES-GCM nonce length used on every sealed frame.
const NonceSize = 12

// ErrCipherMismatch is returned by Open when the AEAD tag fails to verify,
// meaning the peer is using a different key. Fatal to the connection.
var ErrCipherMismatch = errors.New("transport: cipher mismatch")

// Cipher seals and opens frame bodies with AES-GCM. A zero value is never
// used directly; construct with NewAES128Cipher or NewAES256Cipher. The
// underlying cipher.AEAD is immutable once built, so a single instance can
// be shared freely between the read and write paths of a connection —
// there is no mutable state to clone.
type Cipher struct {
	aead cipher.AEAD
}

// NewAES128Cipher derives a 16-byte key as MD5(secret) and builds an
// AES-128-GCM cipher bound to it. This matches the existing qtun wire
// protocol; MD5 is not a secure KDF and is used only for interoperability.
func NewAES128Cipher(secret string) (*Cipher, error) {
	key := utils.MD5([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewAES256Cipher derives a 32-byte key as SHA-256(secret) and builds an
// AES-256-GCM cipher. Not used on the active wire format; provided for
// parity with legacy peers per spec.md §4.2.
func NewAES256Cipher(secret string) (*Cipher, error) {
	key := utils.SHA256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under nonce, returning ciphertext||tag.
func (c *Cipher) Seal(nonce, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

// Open decrypts ciphertext (which includes the trailing tag) under nonce.
// Returns ErrCipherMismatch on tag verification failure.
func (c *Cipher) Open(nonce, ciphertext []byte) ([]byte, error) {
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCipherMismatch
	}
	return plain, nil
}

// GenerateNonce returns a fresh, cryptographically random 12-byte nonce.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}
