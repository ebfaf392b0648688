// Package discovery advertises this device over mDNS and keeps a live
// directory of peers found on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerxfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtDeviceID       = "device_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the broadcaster and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter is how long a peer survives without being seen.
	// Defaults to three refresh intervals.
	PeerStaleAfter time.Duration

	SelfDeviceID   string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.Service = lo.CoalesceOrEmpty(out.Service, DefaultService)
	out.Domain = lo.CoalesceOrEmpty(out.Domain, DefaultDomain)
	out.Version = lo.CoalesceOrEmpty(out.Version, DefaultVersion)
	out.RefreshInterval = positiveOr(out.RefreshInterval, DefaultRefreshInterval)
	out.ScanTimeout = positiveOr(out.ScanTimeout, DefaultScanTimeout)
	out.PeerStaleAfter = positiveOr(out.PeerStaleAfter, 3*out.RefreshInterval)
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logrus.NewEntry(logger)
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// advertisement returns the TXT records published for this device, or every
// missing field joined into one error.
func (c Config) advertisement() ([]string, error) {
	var problems []error
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		problems = append(problems, errors.New("self device ID is required"))
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		problems = append(problems, errors.New("device name is required"))
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		problems = append(problems, fmt.Errorf("listening port %d out of range", c.ListeningPort))
	}
	if err := errors.Join(problems...); err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	return []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtKeyFingerprint + "=" + c.KeyFingerprint,
	}, nil
}

// Broadcaster advertises the local device via mDNS until stopped.
type Broadcaster struct {
	server *zeroconf.Server
	txt    []string
	log    *logrus.Entry
}

// StartBroadcaster registers the service and starts answering queries.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	txt, err := cfg.advertisement()
	if err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", cfg.Service, err)
	}

	b := &Broadcaster{
		server: server,
		txt:    txt,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "discovery",
			"service":   cfg.Service,
		}),
	}
	b.log.WithFields(logrus.Fields{
		"function": "StartBroadcaster",
		"port":     cfg.ListeningPort,
	}).Info("Advertising over mDNS")
	return b, nil
}

// TXT returns the advertised TXT records.
func (b *Broadcaster) TXT() []string {
	return append([]string(nil), b.txt...)
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.log.WithField("function", "Stop").Debug("mDNS advertisement withdrawn")
}

// Service couples the broadcaster with a scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *Scanner
}

// Start starts broadcasting and scanning with one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	scanner.Start()

	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop stops the scanner and the broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
