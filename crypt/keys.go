package crypt

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// identifierSize is the number of digest bytes in an Identifier.
const identifierSize = 20

// Identifier names the holder of a static key: "I" followed by the hex
// encoding of the first 20 bytes of the key's BLAKE3 digest.
type Identifier string

// IdentifierFromPublicKey derives the identifier of a static public key.
func IdentifierFromPublicKey(publicKey []byte) Identifier {
	return Identifier("I" + HexEncode(HashKey(publicKey)[:identifierSize]))
}

// String returns the string representation of the identifier.
func (id Identifier) String() string {
	return string(id)
}

// ParseIdentifier validates s as an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "I") {
		return "", fmt.Errorf("invalid identifier %q: missing prefix", s)
	}
	raw, err := HexDecode(s[1:])
	if err != nil || len(raw) != identifierSize {
		return "", fmt.Errorf("invalid identifier %q", s)
	}
	return Identifier(s), nil
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	private []byte
	public  []byte
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	private, err := RandomKey()
	if err != nil {
		return nil, err
	}
	return KeyPairFromPrivateKey(private)
}

// KeyPairFromPrivateKey rebuilds the key pair of a private key.
func KeyPairFromPrivateKey(private []byte) (*KeyPair, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("invalid private key size %d", len(private))
	}
	public, err := DHExchange(private)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		private: bytes.Clone(private),
		public:  public,
	}, nil
}

// LoadOrGenerateKeyPair reads a hex-encoded private key from path. If the
// file does not exist a new key pair is generated and saved there.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		private, err := HexDecode(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return KeyPairFromPrivateKey(private)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(HexEncode(kp.private)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return kp, nil
}

// PublicKey returns a copy of the public key.
func (k *KeyPair) PublicKey() []byte {
	return bytes.Clone(k.public)
}

// Identifier returns the identifier of the key pair.
func (k *KeyPair) Identifier() Identifier {
	return IdentifierFromPublicKey(k.public)
}

// SharedSecret calculates the shared secret with a peer public key.
func (k *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	return DHSecret(k.private, peerPublic)
}
