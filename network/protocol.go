// Package network is the TCP transport behind the transfer engine. Peers
// authenticate each other with signed handshakes, derive a per-session key
// and stream files as sealed chunks acknowledged one at a time.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the largest accepted frame payload (10 MiB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultHandshakeTimeout bounds dialing plus the handshake exchange.
	DefaultHandshakeTimeout = 15 * time.Second
	// DefaultChunkSize is the plaintext size of one file chunk.
	DefaultChunkSize = 256 * 1024
	// DefaultMaxChunkRetries is how often a chunk is resent before giving up.
	DefaultMaxChunkRetries = 3
	// DefaultResponseTimeout bounds the wait for one chunk acknowledgement.
	DefaultResponseTimeout = 30 * time.Second
	// DefaultOfferTimeout bounds the wait for the peer to answer an offer.
	DefaultOfferTimeout = 5 * time.Minute
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeError              = "error"
	TypeFileOffer          = "file_offer"
	TypeFileResponse       = "file_response"
	TypeFileChunk          = "file_chunk"
	TypeFileControl        = "file_control"
	TypeFileComplete       = "file_complete"
)

const (
	responseAccepted  = "accepted"
	responseRejected  = "rejected"
	responseChunkAck  = "chunk_ack"
	responseChunkNack = "chunk_nack"

	controlPause  = "pause"
	controlResume = "resume"
	controlCancel = "cancel"

	completeFailed = "failed"
)

var (
	// ErrFrameTooLarge indicates a payload above MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates a protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates a signature did not verify.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates a missing or unknown message type.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope carries the type discriminator shared by every message.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame the listening side sends.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is sent by both sides; the dialer echoes the challenge nonce.
type HandshakeMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// ErrorMessage reports a protocol level refusal.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// FileOffer proposes a transfer to the receiving peer.
type FileOffer struct {
	Type         string `json:"type"`
	TransferID   string `json:"transfer_id"`
	FromDeviceID string `json:"from_device_id"`
	Filename     string `json:"filename"`
	Filesize     int64  `json:"filesize"`
	ContentType  string `json:"content_type"`
	Checksum     string `json:"checksum"`
	ChunkSize    int    `json:"chunk_size"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

// FileResponse answers an offer or acknowledges one chunk.
type FileResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// FileChunk carries one sealed chunk of file data.
type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Sealed     []byte `json:"sealed"`
	Timestamp  int64  `json:"timestamp"`
}

// FileControl pauses, resumes or cancels a transfer from either side.
type FileControl struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Action     string `json:"action"`
	Timestamp  int64  `json:"timestamp"`
}

// FileComplete reports that a transfer ended abnormally on the sending side
// of the message.
type FileComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame under an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func decodeMessage[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
