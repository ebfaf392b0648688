package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"peerxfer/crypto"
)

// ErrSessionClosed is returned when writing to a closed session.
var ErrSessionClosed = errors.New("network: session closed")

type frameHandler func(s *Session, msgType string, payload []byte)

// Session is one authenticated, framed connection to a peer.
type Session struct {
	conn   net.Conn
	sealer *crypto.Sealer
	peer   peerInfo

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn net.Conn, sealer *crypto.Sealer, peer peerInfo) *Session {
	return &Session{
		conn:   conn,
		sealer: sealer,
		peer:   peer,
		closed: make(chan struct{}),
	}
}

// PeerID returns the authenticated device ID of the remote end.
func (s *Session) PeerID() string { return s.peer.DeviceID }

// PeerName returns the display name the remote end announced.
func (s *Session) PeerName() string { return s.peer.DeviceName }

// PeerPublicKey returns the remote Ed25519 key, base64 encoded.
func (s *Session) PeerPublicKey() string { return s.peer.PublicKey }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Send marshals message and writes it as one frame.
func (s *Session) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := WriteFrame(s.conn, payload); err != nil {
		s.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close shuts the session down.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()
		_ = s.conn.Close()
		close(s.closed)
	})
}

// readLoop hands every inbound frame to handle until the connection drops.
func (s *Session) readLoop(handle frameHandler) {
	for {
		payload, err := ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
			} else {
				s.closeWithError(err)
			}
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			s.closeWithError(err)
			return
		}
		handle(s, msgType, payload)
	}
}
