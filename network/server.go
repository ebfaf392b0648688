package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// HandshakeOptions controls how sessions are authenticated.
type HandshakeOptions struct {
	Identity  LocalIdentity
	KeyLookup KeyLookupFunc
	Timeout   time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultHandshakeTimeout
	}
	return o
}

// Server accepts inbound TCP connections and upgrades them to sessions.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Session
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Session, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns authenticated inbound sessions.
func (s *Server) Incoming() <-chan *Session {
	return s.incoming
}

// Errors returns asynchronous accept and handshake errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes the server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	sealer, peer, err := acceptHandshake(conn, s.options.Identity, s.options.KeyLookup, s.options.Timeout)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	session := newSession(conn, sealer, peer)
	select {
	case s.incoming <- session:
	case <-s.closed:
		_ = session.Close()
	}
}

func (s *Server) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Dial connects to address and completes the handshake.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Session, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	sealer, peer, err := initiateHandshake(conn, opts.Identity, opts.KeyLookup, opts.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %q: %w", address, err)
	}
	return newSession(conn, sealer, peer), nil
}
