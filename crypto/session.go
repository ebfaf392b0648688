package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of keys produced by DeriveSessionKey.
const SessionKeySize = chacha20poly1305.KeySize

const sessionInfoLabel = "peerxfer session v1"

// Ephemeral is a one-shot X25519 key pair used for a single session.
type Ephemeral struct {
	private *ecdh.PrivateKey
}

// NewEphemeral generates a fresh X25519 key pair.
func NewEphemeral() (*Ephemeral, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &Ephemeral{private: key}, nil
}

// PublicKey returns the base64 encoded public half.
func (e *Ephemeral) PublicKey() string {
	return base64.StdEncoding.EncodeToString(e.private.PublicKey().Bytes())
}

// SessionKey runs X25519 against the peer's encoded public key and expands
// the shared secret with HKDF-SHA256. salt binds the key to the handshake
// nonce; the device ids are ordered so both sides derive the same key.
func (e *Ephemeral) SessionKey(peerPublic string, salt []byte, localID, peerID string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral key: %w", err)
	}
	peerKey, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse peer ephemeral key: %w", err)
	}
	shared, err := e.private.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return DeriveSessionKey(shared, salt, localID, peerID)
}

// DeriveSessionKey expands a shared secret into a session key.
func DeriveSessionKey(shared, salt []byte, localID, peerID string) ([]byte, error) {
	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	info := []byte(sessionInfoLabel + "|" + first + "|" + second)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
