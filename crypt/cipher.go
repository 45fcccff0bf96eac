package crypt

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrReplay is returned for a counter that was already used or is
	// older than the last accepted one.
	ErrReplay = errors.New("replayed or reordered message")

	// ErrNonceExhausted is returned once 2^64-1 messages were sealed.
	ErrNonceExhausted = errors.New("nonce space exhausted")
)

// Cipher is one direction of an authenticated channel. Every sealed
// message gets the next counter as nonce; Open accepts strictly
// increasing counters only.
type Cipher struct {
	aead cipher.AEAD

	mu   sync.Mutex
	next uint64
}

// NewCipher creates a ChaCha20-Poly1305 cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns the counter it was sealed under.
func (c *Cipher) Seal(plaintext, additionalData []byte) (uint64, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next == math.MaxUint64 {
		return 0, nil, ErrNonceExhausted
	}
	counter := c.next
	c.next++
	return counter, c.aead.Seal(nil, nonce(counter), plaintext, additionalData), nil
}

// Open decrypts a message sealed under counter.
func (c *Cipher) Open(counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter < c.next || counter == math.MaxUint64 {
		return nil, fmt.Errorf("%w: counter %d", ErrReplay, counter)
	}
	plaintext, err := c.aead.Open(nil, nonce(counter), ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	c.next = counter + 1
	return plaintext, nil
}

func nonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], counter)
	return n
}
