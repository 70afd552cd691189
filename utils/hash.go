package utils

import (
	"crypto/md5"
	"crypto/sha256"
)

// MD5 returns the 16-byte MD5 digest of input. Used only to derive the
// AES-128-GCM key from the shared secret for wire compatibility with
// existing qtun peers; it is not a secure KDF.
func MD5(input []byte) [md5.Size]byte {
	return md5.Sum(input)
}

// SHA256 returns the 32-byte SHA-256 digest of input, used to derive the
// AES-256-GCM key for the legacy-parity cipher variant.
func SHA256(input []byte) [sha256.Size]byte {
	return sha256.Sum256(input)
}
