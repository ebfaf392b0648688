// Package crypto holds the key material used to authenticate peers and
// protect file data on the wire.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const identityPEMType = "PEERXFER IDENTITY SEED"

// Identity is the long-term Ed25519 signing key of a device.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity reads the identity seed at path, generating and
// persisting a new one on first run.
func LoadOrCreateIdentity(path string) (Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity key: %w", err)
	}
	id = Identity{PrivateKey: privateKey, PublicKey: publicKey}
	if err := SaveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// LoadIdentity parses an identity seed PEM file.
func LoadIdentity(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	block, _ := pem.Decode(raw)
	switch {
	case block == nil:
		return Identity{}, errors.New("decode identity: no PEM block")
	case block.Type != identityPEMType:
		return Identity{}, fmt.Errorf("decode identity: unexpected type %q", block.Type)
	case len(block.Bytes) != ed25519.SeedSize:
		return Identity{}, fmt.Errorf("decode identity: invalid seed size %d", len(block.Bytes))
	}

	privateKey := ed25519.NewKeyFromSeed(block.Bytes)
	return Identity{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// SaveIdentity writes the identity seed with owner-only permissions.
func SaveIdentity(path string, id Identity) error {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity: invalid key size %d", len(id.PrivateKey))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	block := &pem.Block{Type: identityPEMType, Bytes: id.PrivateKey.Seed()}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// Fingerprint is the short hex digest peers advertise and compare.
func (id Identity) Fingerprint() string {
	return Fingerprint(id.PublicKey)
}

// EncodedPublicKey returns the base64 public key used in handshakes.
func (id Identity) EncodedPublicKey() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// Fingerprint returns the first 16 bytes of SHA-256(publicKey) in hex.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: invalid size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs data with the identity key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key length %d", len(id.PrivateKey))
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to sign")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Verify checks an Ed25519 signature, treating malformed input as invalid.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
