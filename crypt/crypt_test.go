package crypt

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomKey(t *testing.T) {
	key1, err := RandomKey()
	require.NoError(t, err)
	key2, err := RandomKey()
	require.NoError(t, err)

	assert.Len(t, key1, KeySize)
	assert.False(t, bytes.Equal(key1, key2), "random keys should differ")
}

func TestDHSecret(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.PublicKey())
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	_, err = a.SharedSecret(make([]byte, KeySize))
	assert.Error(t, err, "low-order point must be rejected")
}

func TestDeriveKeys(t *testing.T) {
	keys, err := DeriveKeys([]byte("secret"), []byte("salt"), "test", 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Len(t, keys[0], KeySize)
	assert.NotEqual(t, keys[0], keys[1])

	again, err := DeriveKeys([]byte("secret"), []byte("salt"), "test", 2)
	require.NoError(t, err)
	assert.Equal(t, keys, again)

	other, err := DeriveKeys([]byte("secret"), []byte("salt"), "other", 2)
	require.NoError(t, err)
	assert.NotEqual(t, keys[0], other[0])
}

func TestIdentifier(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := kp.Identifier()
	assert.True(t, strings.HasPrefix(id.String(), "I"))
	assert.Len(t, id.String(), 1+2*identifierSize)
	assert.Equal(t, id, IdentifierFromPublicKey(kp.PublicKey()))

	parsed, err := ParseIdentifier(" " + id.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentifier("X" + id.String()[1:])
	assert.Error(t, err)
	_, err = ParseIdentifier("Iabc")
	assert.Error(t, err)
}

func TestKeyPairFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	kp, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Identifier(), again.Identifier())

	_, err = KeyPairFromPrivateKey([]byte("short"))
	assert.Error(t, err)
}

func TestCipher(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	sealer, err := NewCipher(key)
	require.NoError(t, err)
	opener, err := NewCipher(key)
	require.NoError(t, err)

	c0, ct0, err := sealer.Seal([]byte("first"), nil)
	require.NoError(t, err)
	c1, ct1, err := sealer.Seal([]byte("second"), nil)
	require.NoError(t, err)
	c2, ct2, err := sealer.Seal([]byte("third"), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, []uint64{c0, c1, c2})

	pt, err := opener.Open(c0, ct0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), pt)

	// Gaps are tolerated, going back is not.
	pt, err = opener.Open(c2, ct2, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), pt)

	_, err = opener.Open(c1, ct1, nil)
	assert.ErrorIs(t, err, ErrReplay)
	_, err = opener.Open(c2, ct2, nil)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestCipherRejectsTampering(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	sealer, err := NewCipher(key)
	require.NoError(t, err)
	opener, err := NewCipher(key)
	require.NoError(t, err)

	c, ct, err := sealer.Seal([]byte("payload"), []byte("ad"))
	require.NoError(t, err)
	ct[0] ^= 0xff

	_, err = opener.Open(c, ct, []byte("ad"))
	assert.Error(t, err)

	// A failed open does not advance the counter.
	ct[0] ^= 0xff
	pt, err := opener.Open(c, ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}
