package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerxfer/transfer"
)

const (
	// DefaultDoneRetention keeps finished transfers queryable for a while.
	DefaultDoneRetention = 2 * time.Minute

	pruneInterval = 30 * time.Second
	faultBuffer   = 64
)

var errStopped = errors.New("network: transfer stopped")

// Offer is an incoming transfer waiting for a local decision.
type Offer struct {
	ID          string
	PeerID      string
	PeerName    string
	Filename    string
	Size        int64
	ContentType string
	Checksum    string
	ReceivedAt  time.Time
}

// PeerInfo describes an authenticated peer session.
type PeerInfo struct {
	DeviceID   string
	DeviceName string
	PublicKey  string
	Address    string
}

// Options configures a Transport.
type Options struct {
	Identity         LocalIdentity
	ListenAddress    string
	Resolver         Resolver
	KeyLookup        KeyLookupFunc
	ChunkSize        int
	MaxChunkRetries  int
	ResponseTimeout  time.Duration
	OfferTimeout     time.Duration
	HandshakeTimeout time.Duration
	DoneRetention    time.Duration
	// OnOffer is called from its own goroutine for every verified offer.
	OnOffer func(Offer)
	// OnPeer is called after every successful handshake.
	OnPeer func(PeerInfo)
	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.OfferTimeout <= 0 {
		out.OfferTimeout = DefaultOfferTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.DoneRetention <= 0 {
		out.DoneRetention = DefaultDoneRetention
	}
	if out.Resolver == nil {
		out.Resolver = StaticResolver{}
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logrus.NewEntry(logger)
	}
	return out
}

// Transport moves files between peers over authenticated TCP sessions. It
// implements transfer.Client and transfer.FaultSource.
type Transport struct {
	opts   Options
	log    *logrus.Entry
	server *Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	outbound map[string]*outbound
	inbound  map[string]*inbound

	faults    chan transfer.Fault
	closeOnce sync.Once
}

var (
	_ transfer.Client      = (*Transport)(nil)
	_ transfer.FaultSource = (*Transport)(nil)
)

// NewTransport starts listening and returns a ready Transport.
func NewTransport(options Options) (*Transport, error) {
	opts := options.withDefaults()
	server, err := Listen(opts.ListenAddress, opts.handshake())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:     opts,
		log:      opts.Logger.WithField("component", "network"),
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		outbound: make(map[string]*outbound),
		inbound:  make(map[string]*inbound),
		faults:   make(chan transfer.Fault, faultBuffer),
	}

	t.wg.Add(3)
	go t.adoptLoop()
	go t.errorLoop()
	go t.pruneLoop()

	t.log.WithFields(logrus.Fields{
		"function": "NewTransport",
		"address":  server.Addr().String(),
	}).Info("Transport listening")
	return t, nil
}

func (o Options) handshake() HandshakeOptions {
	return HandshakeOptions{Identity: o.Identity, KeyLookup: o.KeyLookup, Timeout: o.HandshakeTimeout}
}

// Addr returns the listening address.
func (t *Transport) Addr() net.Addr {
	return t.server.Addr()
}

// Port returns the listening TCP port.
func (t *Transport) Port() int {
	if addr, ok := t.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Faults implements transfer.FaultSource. The channel is never closed.
func (t *Transport) Faults() <-chan transfer.Fault {
	return t.faults
}

// Close stops the listener, drops all sessions and waits for workers.
func (t *Transport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.cancel()
		closeErr = t.server.Close()

		t.mu.Lock()
		sessions := make([]*Session, 0, len(t.sessions))
		for _, s := range t.sessions {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()
		for _, s := range sessions {
			_ = s.Close()
		}

		t.wg.Wait()

		t.mu.Lock()
		for id, in := range t.inbound {
			in.discard()
			delete(t.inbound, id)
		}
		t.mu.Unlock()
	})
	return closeErr
}

// QueryProgress implements transfer.Client.
func (t *Transport) QueryProgress(_ context.Context, id string) (int64, error) {
	t.mu.Lock()
	out := t.outbound[id]
	in := t.inbound[id]
	t.mu.Unlock()

	switch {
	case out != nil:
		return out.progress(), nil
	case in != nil && in.isAccepted():
		return in.progress(), nil
	default:
		return 0, fmt.Errorf("%w: unknown transfer %q", transfer.ErrTransportFailure, id)
	}
}

// PauseRemote implements transfer.Client.
func (t *Transport) PauseRemote(_ context.Context, id string) error {
	return t.control(id, controlPause)
}

// ResumeRemote implements transfer.Client.
func (t *Transport) ResumeRemote(_ context.Context, id string) error {
	return t.control(id, controlResume)
}

// CancelRemote implements transfer.Client. Unknown ids are a no-op.
func (t *Transport) CancelRemote(_ context.Context, id string) error {
	t.mu.Lock()
	out := t.outbound[id]
	in := t.inbound[id]
	delete(t.outbound, id)
	delete(t.inbound, id)
	t.mu.Unlock()

	var session *Session
	switch {
	case out != nil:
		out.stop()
		session = out.session
	case in != nil:
		in.discard()
		session = in.session
	default:
		return nil
	}

	if err := session.Send(controlMessage(id, controlCancel)); err != nil && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("%w: send cancel: %v", transfer.ErrTransportFailure, err)
	}
	return nil
}

func (t *Transport) control(id, action string) error {
	t.mu.Lock()
	out := t.outbound[id]
	in := t.inbound[id]
	t.mu.Unlock()

	var session *Session
	switch {
	case out != nil:
		out.setPaused(localSide, action == controlPause)
		session = out.session
	case in != nil && in.isAccepted():
		// The sender holds its stream; the receiving side keeps no pause state.
		session = in.session
	default:
		return fmt.Errorf("%w: unknown transfer %q", transfer.ErrTransportFailure, id)
	}

	if err := session.Send(controlMessage(id, action)); err != nil {
		return fmt.Errorf("%w: send %s: %v", transfer.ErrTransportFailure, action, err)
	}
	return nil
}

func controlMessage(id, action string) FileControl {
	return FileControl{Type: TypeFileControl, TransferID: id, Action: action, Timestamp: nowMillis()}
}

// sessionFor returns a live session to peerID, dialing one if needed.
func (t *Transport) sessionFor(ctx context.Context, peerID string) (*Session, error) {
	t.mu.Lock()
	existing := t.sessions[peerID]
	t.mu.Unlock()
	if existing != nil && !isClosed(existing) {
		return existing, nil
	}

	address, err := t.opts.Resolver.Resolve(ctx, peerID)
	if err != nil {
		return nil, err
	}
	session, err := Dial(ctx, address, t.opts.handshake())
	if err != nil {
		return nil, err
	}
	if session.PeerID() != peerID {
		_ = session.Close()
		return nil, fmt.Errorf("dialed %q but reached device %q", address, session.PeerID())
	}
	t.attach(session)
	return session, nil
}

func isClosed(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// attach registers a session and starts its read loop and watcher.
func (t *Transport) attach(s *Session) {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		_ = s.Close()
		return
	}
	t.sessions[s.PeerID()] = s
	t.wg.Add(2)
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function": "attach",
		"peer_id":  s.PeerID(),
		"remote":   s.RemoteAddr().String(),
	}).Debug("Peer session established")

	if t.opts.OnPeer != nil {
		t.opts.OnPeer(PeerInfo{
			DeviceID:   s.PeerID(),
			DeviceName: s.PeerName(),
			PublicKey:  s.PeerPublicKey(),
			Address:    s.RemoteAddr().String(),
		})
	}

	go func() {
		defer t.wg.Done()
		s.readLoop(t.handleFrame)
	}()
	go func() {
		defer t.wg.Done()
		<-s.Done()
		t.detach(s)
	}()
}

// detach fails every transfer bound to a closed session.
func (t *Transport) detach(s *Session) {
	cause := s.Err()
	if cause == nil {
		cause = io.EOF
	}

	t.mu.Lock()
	if t.sessions[s.PeerID()] == s {
		delete(t.sessions, s.PeerID())
	}
	var lost []string
	for id, out := range t.outbound {
		if out.session == s {
			delete(t.outbound, id)
			if out.stop() && out.isStarted() {
				lost = append(lost, id)
			}
		}
	}
	for id, in := range t.inbound {
		if in.session == s {
			delete(t.inbound, id)
			if in.discard() && in.isAccepted() {
				lost = append(lost, id)
			}
		}
	}
	t.mu.Unlock()

	for _, id := range lost {
		t.fault(id, fmt.Errorf("%w: peer disconnected: %v", transfer.ErrTransportFailure, cause))
	}
}

func (t *Transport) fault(id string, err error) {
	t.log.WithFields(logrus.Fields{
		"function":    "fault",
		"transfer_id": id,
	}).WithError(err).Warn("Transfer faulted")

	select {
	case t.faults <- transfer.Fault{ID: id, Err: err}:
	case <-t.ctx.Done():
	}
}

func (t *Transport) adoptLoop() {
	defer t.wg.Done()
	for s := range t.server.Incoming() {
		t.attach(s)
	}
}

func (t *Transport) errorLoop() {
	defer t.wg.Done()
	for err := range t.server.Errors() {
		t.log.WithField("function", "errorLoop").WithError(err).Debug("Inbound connection refused")
	}
}

// pruneLoop drops finished transfers and stale offers.
func (t *Transport) pruneLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.prune(now)
		}
	}
}

func (t *Transport) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, out := range t.outbound {
		if finished, at := out.doneAt(); finished && now.Sub(at) > t.opts.DoneRetention {
			delete(t.outbound, id)
		}
	}
	for id, in := range t.inbound {
		if finished, at := in.doneAt(); finished && now.Sub(at) > t.opts.DoneRetention {
			delete(t.inbound, id)
			continue
		}
		if !in.isAccepted() && now.Sub(in.offer.ReceivedAt) > t.opts.OfferTimeout {
			delete(t.inbound, id)
		}
	}
}

// handleFrame dispatches one inbound frame. It runs on the session's read loop.
func (t *Transport) handleFrame(s *Session, msgType string, payload []byte) {
	log := t.log.WithFields(logrus.Fields{
		"function": "handleFrame",
		"peer_id":  s.PeerID(),
		"type":     msgType,
	})

	var err error
	switch msgType {
	case TypeFileOffer:
		var offer FileOffer
		if offer, err = decodeMessage[FileOffer](payload); err == nil {
			err = t.handleOffer(s, offer)
		}
	case TypeFileResponse:
		var response FileResponse
		if response, err = decodeMessage[FileResponse](payload); err == nil {
			t.handleResponse(s, response)
		}
	case TypeFileChunk:
		var chunk FileChunk
		if chunk, err = decodeMessage[FileChunk](payload); err == nil {
			t.handleChunk(s, chunk)
		}
	case TypeFileControl:
		var control FileControl
		if control, err = decodeMessage[FileControl](payload); err == nil {
			t.handleControl(s, control)
		}
	case TypeFileComplete:
		var complete FileComplete
		if complete, err = decodeMessage[FileComplete](payload); err == nil {
			t.handleComplete(s, complete)
		}
	case TypeError:
		var remote ErrorMessage
		if remote, err = decodeMessage[ErrorMessage](payload); err == nil {
			log.WithField("code", remote.Code).Warn(remote.Message)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}

	if err != nil {
		log.WithError(err).Warn("Dropping frame")
	}
}

// handleControl applies a pause, resume or cancel sent by the peer.
func (t *Transport) handleControl(s *Session, control FileControl) {
	t.mu.Lock()
	out := t.outbound[control.TransferID]
	in := t.inbound[control.TransferID]
	if out != nil && out.session != s {
		out = nil
	}
	if in != nil && in.session != s {
		in = nil
	}
	if control.Action == controlCancel {
		if out != nil {
			delete(t.outbound, control.TransferID)
		}
		if in != nil {
			delete(t.inbound, control.TransferID)
		}
	}
	t.mu.Unlock()

	switch control.Action {
	case controlPause, controlResume:
		if out != nil {
			out.setPaused(remoteSide, control.Action == controlPause)
		}
		if in != nil {
			t.log.WithFields(logrus.Fields{
				"function":    "handleControl",
				"transfer_id": control.TransferID,
				"action":      control.Action,
			}).Debug("Sender changed stream state")
		}
	case controlCancel:
		cause := fmt.Errorf("%w: cancelled by peer", transfer.ErrTransportRejected)
		if out != nil && out.stop() && out.isStarted() {
			t.fault(control.TransferID, cause)
		}
		if in != nil && in.discard() && in.isAccepted() {
			t.fault(control.TransferID, cause)
		}
	}
}
