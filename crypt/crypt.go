// Package crypt provides the key agreement, key derivation and
// authenticated encryption primitives secure channels are built on.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of private keys, public keys and derived secrets.
const KeySize = curve25519.ScalarSize

// RandomKey generates a random private key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// DHExchange returns the public key of a private key.
func DHExchange(privateKey []byte) ([]byte, error) {
	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

// DHSecret calculates the shared secret of a private and a peer public
// key. Low-order peer keys are rejected.
func DHSecret(privateKey, publicKey []byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey, publicKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return secret, nil
}

// DeriveKeys expands secret into n keys of KeySize bytes with
// HKDF-SHA256.
func DeriveKeys(secret, salt []byte, info string, n int) ([][]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = make([]byte, KeySize)
		if _, err := io.ReadFull(r, keys[i]); err != nil {
			return nil, fmt.Errorf("derive keys: %w", err)
		}
	}
	return keys, nil
}

// HashKey returns the BLAKE3 digest of data.
func HashKey(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HexEncode encodes bytes to hex string
func HexEncode(data []byte) string {
	return hex.EncodeToString(data)
}

// HexDecode decodes hex string to bytes
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
