package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"peerxfer/crypto"
)

const challengeNonceSize = 32

// ErrKeyChanged indicates a known peer presented a different identity key.
var ErrKeyChanged = errors.New("network: peer identity key changed")

// LocalIdentity is what this device presents during handshakes.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       crypto.Identity
}

func (id LocalIdentity) validate() error {
	switch {
	case id.DeviceID == "":
		return errors.New("local device ID is required")
	case id.DeviceName == "":
		return errors.New("local device name is required")
	case len(id.Keys.PrivateKey) != ed25519.PrivateKeySize:
		return errors.New("local identity key is required")
	}
	return nil
}

// KeyLookupFunc returns the identity key previously pinned for a device, if any.
type KeyLookupFunc func(deviceID string) (publicKey string, known bool)

// peerInfo is what a completed handshake learned about the remote device.
type peerInfo struct {
	DeviceID   string
	DeviceName string
	PublicKey  string
}

func buildHandshake(identity LocalIdentity, msgType, ephemeralPublic, nonce string) (HandshakeMessage, error) {
	msg := HandshakeMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Ed25519PublicKey: identity.Keys.EncodedPublicKey(),
		X25519PublicKey:  ephemeralPublic,
		ChallengeNonce:   nonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        nowMillis(),
	}
	signable, err := handshakeSignable(msg)
	if err != nil {
		return HandshakeMessage{}, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("sign handshake: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// verifyHandshake checks version, nonce binding and signature.
func verifyHandshake(msg HandshakeMessage, wantNonce string) error {
	if msg.ProtocolVersion != ProtocolVersion {
		return ErrUnsupportedVersion
	}
	if msg.DeviceID == "" {
		return errors.New("handshake without device id")
	}
	if msg.ChallengeNonce != wantNonce {
		return errors.New("handshake challenge nonce mismatch")
	}
	publicKey, err := crypto.ParsePublicKey(msg.Ed25519PublicKey)
	if err != nil {
		return err
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("decode handshake signature: %w", err)
	}
	signable, err := handshakeSignable(msg)
	if err != nil {
		return err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func handshakeSignable(msg HandshakeMessage) ([]byte, error) {
	msg.Signature = ""
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return raw, nil
}

func checkPinnedKey(lookup KeyLookupFunc, deviceID, received string) error {
	if lookup == nil {
		return nil
	}
	pinned, known := lookup(deviceID)
	if !known || pinned == "" || pinned == received {
		return nil
	}
	return fmt.Errorf("%w: device %q", ErrKeyChanged, deviceID)
}

// acceptHandshake runs the listening side of the handshake on conn.
func acceptHandshake(conn net.Conn, identity LocalIdentity, lookup KeyLookupFunc, timeout time.Duration) (*crypto.Sealer, peerInfo, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, peerInfo{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	rawNonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(rawNonce); err != nil {
		return nil, peerInfo{}, fmt.Errorf("generate challenge nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(rawNonce)
	if err := writeMessage(conn, HandshakeChallenge{Type: TypeHandshakeChallenge, Nonce: nonce}); err != nil {
		return nil, peerInfo{}, fmt.Errorf("write handshake challenge: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, peerInfo{}, fmt.Errorf("read handshake: %w", err)
	}
	hello, err := expectHandshake(payload, TypeHandshake)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := verifyHandshake(hello, nonce); err != nil {
		_ = writeMessage(conn, refusal("invalid_handshake", err))
		return nil, peerInfo{}, fmt.Errorf("verify handshake: %w", err)
	}
	if err := checkPinnedKey(lookup, hello.DeviceID, hello.Ed25519PublicKey); err != nil {
		_ = writeMessage(conn, refusal("key_changed", err))
		return nil, peerInfo{}, err
	}

	ephemeral, err := crypto.NewEphemeral()
	if err != nil {
		return nil, peerInfo{}, err
	}
	reply, err := buildHandshake(identity, TypeHandshakeResponse, ephemeral.PublicKey(), nonce)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := writeMessage(conn, reply); err != nil {
		return nil, peerInfo{}, fmt.Errorf("write handshake response: %w", err)
	}

	sealer, err := sessionSealer(ephemeral, hello.X25519PublicKey, rawNonce, identity.DeviceID, hello.DeviceID)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, peerInfo{}, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return sealer, peerInfo{DeviceID: hello.DeviceID, DeviceName: hello.DeviceName, PublicKey: hello.Ed25519PublicKey}, nil
}

// initiateHandshake runs the dialing side of the handshake on conn.
func initiateHandshake(conn net.Conn, identity LocalIdentity, lookup KeyLookupFunc, timeout time.Duration) (*crypto.Sealer, peerInfo, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, peerInfo{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, peerInfo{}, fmt.Errorf("read handshake challenge: %w", err)
	}
	if err := remoteRefusal(payload); err != nil {
		return nil, peerInfo{}, err
	}
	challenge, err := decodeMessage[HandshakeChallenge](payload)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if challenge.Type != TypeHandshakeChallenge {
		return nil, peerInfo{}, fmt.Errorf("expected %q, got %q", TypeHandshakeChallenge, challenge.Type)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil || len(rawNonce) != challengeNonceSize {
		return nil, peerInfo{}, errors.New("invalid handshake challenge nonce")
	}

	ephemeral, err := crypto.NewEphemeral()
	if err != nil {
		return nil, peerInfo{}, err
	}
	hello, err := buildHandshake(identity, TypeHandshake, ephemeral.PublicKey(), challenge.Nonce)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := writeMessage(conn, hello); err != nil {
		return nil, peerInfo{}, fmt.Errorf("send handshake: %w", err)
	}

	payload, err = ReadFrame(conn)
	if err != nil {
		return nil, peerInfo{}, fmt.Errorf("read handshake response: %w", err)
	}
	reply, err := expectHandshake(payload, TypeHandshakeResponse)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := verifyHandshake(reply, challenge.Nonce); err != nil {
		return nil, peerInfo{}, fmt.Errorf("verify handshake response: %w", err)
	}
	if err := checkPinnedKey(lookup, reply.DeviceID, reply.Ed25519PublicKey); err != nil {
		return nil, peerInfo{}, err
	}

	sealer, err := sessionSealer(ephemeral, reply.X25519PublicKey, rawNonce, identity.DeviceID, reply.DeviceID)
	if err != nil {
		return nil, peerInfo{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, peerInfo{}, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return sealer, peerInfo{DeviceID: reply.DeviceID, DeviceName: reply.DeviceName, PublicKey: reply.Ed25519PublicKey}, nil
}

func expectHandshake(payload []byte, want string) (HandshakeMessage, error) {
	if err := remoteRefusal(payload); err != nil {
		return HandshakeMessage{}, err
	}
	msg, err := decodeMessage[HandshakeMessage](payload)
	if err != nil {
		return HandshakeMessage{}, err
	}
	if msg.Type != want {
		return HandshakeMessage{}, fmt.Errorf("expected %q, got %q", want, msg.Type)
	}
	return msg, nil
}

func sessionSealer(ephemeral *crypto.Ephemeral, peerPublic string, nonce []byte, localID, peerID string) (*crypto.Sealer, error) {
	key, err := ephemeral.SessionKey(peerPublic, nonce, localID, peerID)
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(key)
}

func remoteRefusal(payload []byte) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType != TypeError {
		return nil
	}
	remote, err := decodeMessage[ErrorMessage](payload)
	if err != nil {
		return err
	}
	return fmt.Errorf("remote error [%s]: %s", remote.Code, remote.Message)
}

func refusal(code string, err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: err.Error(), Timestamp: nowMillis()}
}

func writeMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}
