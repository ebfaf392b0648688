package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"peerxfer/network"
)

// ErrScannerStopped is returned by Refresh once the scanner has stopped.
var ErrScannerStopped = errors.New("discovery: scanner stopped")

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer has not been seen for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies directory updates.
type EventType string

// Event carries one directory update.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a device found on the local network.
type Peer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	// Addresses lists IPv4 addresses first, each group sorted.
	Addresses []string
	LastSeen  time.Time
}

// Address returns the preferred dialable host:port, or "" when unknown.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses mDNS periodically and on demand. It implements
// network.Resolver.
type Scanner struct {
	cfg    Config
	log    *logrus.Entry
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

var _ network.Resolver = (*Scanner)(nil)

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		browse = browseOnce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		log:             cfg.Logger.WithField("component", "discovery"),
		browse:          browse,
		peers:           make(map[string]Peer),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops scanning and closes the event channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers directory updates. Updates are dropped when nobody reads.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs an immediate scan and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return errors.New("discovery: scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Peers returns a snapshot of the directory sorted by name.
func (s *Scanner) Peers() []Peer {
	s.mu.RLock()
	out := lo.Values(s.peers)
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns one peer from the directory.
func (s *Scanner) Lookup(deviceID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

// Resolve implements network.Resolver. A peer missing from the directory
// triggers one immediate scan before giving up.
func (s *Scanner) Resolve(ctx context.Context, peerID string) (string, error) {
	if peer, ok := s.Lookup(peerID); ok && peer.Address() != "" {
		return peer.Address(), nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", fmt.Errorf("refresh discovery: %w", err)
	}
	if peer, ok := s.Lookup(peerID); ok && peer.Address() != "" {
		return peer.Address(), nil
	}
	return "", fmt.Errorf("%w: %q not found on the local network", network.ErrPeerUnknown, peerID)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	background := func() {
		if err := s.runScan(context.Background()); err != nil {
			s.log.WithField("function", "loop").WithError(err).Warn("mDNS browse failed")
		}
	}
	background()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			background()
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		}
	}
}

// browseOnce uses a fresh resolver per scan; a zeroconf resolver shuts its
// sockets down when its browse context ends.
func browseOnce(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// runScan browses for one ScanTimeout window, or until requestCtx ends, and
// merges what it saw into the directory.
func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	defer context.AfterFunc(requestCtx, cancel)()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[string]Peer)
	for collecting := true; collecting; {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
				peer.LastSeen = time.Now()
				seen[peer.DeviceID] = peer
			}
		case err := <-browseErr:
			browseErr = nil
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-scanCtx.Done():
			collecting = false
		}
	}

	s.merge(seen, time.Now())
	return nil
}

// merge folds one scan into the directory and expires peers not seen for
// PeerStaleAfter.
func (s *Scanner) merge(seen map[string]Peer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !samePeer(old, peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.WithFields(logrus.Fields{
			"function": "emit",
			"peer_id":  event.Peer.DeviceID,
		}).Debug("Discovery event dropped")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt[txtDeviceID]
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      append(ipStrings(entry.AddrIPv4), ipStrings(entry.AddrIPv6)...),
	}, true
}

func ipStrings(ips []net.IP) []string {
	out := lo.Uniq(lo.FilterMap(ips, func(ip net.IP, _ int) (string, bool) {
		if ip == nil {
			return "", false
		}
		return ip.String(), true
	}))
	sort.Strings(out)
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func samePeer(a, b Peer) bool {
	return a.DeviceID == b.DeviceID &&
		a.DeviceName == b.DeviceName &&
		a.KeyFingerprint == b.KeyFingerprint &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
