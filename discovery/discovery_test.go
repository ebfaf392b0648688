package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"

	"peerxfer/network"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	req := require.New(t)

	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)
	cfg := Config{
		SelfDeviceID:   "device-123",
		DeviceName:     "Alice Laptop",
		ListeningPort:  9999,
		KeyFingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	req.NoError(err)
	req.NotNil(broadcaster)
	req.Equal(gotTXT, broadcaster.TXT())
	broadcaster.Stop()

	req.Equal("Alice Laptop", gotInstance)
	req.Equal(DefaultService, gotService)
	req.Equal(9999, gotPort)
	req.ElementsMatch([]string{"device_id=device-123", "version=1", "key_fingerprint=abcd"}, gotTXT)
}

func TestStartBroadcasterReportsEveryMissingField(t *testing.T) {
	_, err := StartBroadcaster(Config{ListeningPort: 70000})
	require.ErrorContains(t, err, "self device ID is required")
	require.ErrorContains(t, err, "device name is required")
	require.ErrorContains(t, err, "listening port 70000 out of range")
}

func TestScannerFiltersSelfAndManualRefresh(t *testing.T) {
	req := require.New(t)

	var browseCalls int32
	scanner, err := NewScanner(Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	})
	req.NoError(err)
	scanner.Start()
	defer scanner.Stop()

	req.Eventually(func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	}, time.Second, 10*time.Millisecond)

	req.NoError(scanner.Refresh(context.Background()))
	peers := scanner.Peers()
	req.Len(peers, 2)
	req.Equal("Bob", peers[0].DeviceName)
	req.Equal("Carol", peers[1].DeviceName)
}

func TestScannerExpiresStalePeers(t *testing.T) {
	var browseCalls int32
	scanner, err := NewScanner(Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		PeerStaleAfter:  80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second))
}

func TestScannerResolvesAddresses(t *testing.T) {
	req := require.New(t)

	scanner, err := NewScanner(Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("peer-1", "Bob", 4100, "10.0.0.2")
			entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"))
			entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
			entries <- entry
			<-ctx.Done()
			return nil
		},
	})
	req.NoError(err)

	var resolver network.Resolver = scanner
	_, err = resolver.Resolve(context.Background(), "peer-1")
	req.Error(err, "resolving before start must fail")

	scanner.Start()
	defer scanner.Stop()

	address, err := resolver.Resolve(context.Background(), "peer-1")
	req.NoError(err)
	req.Equal("10.0.0.2:4100", address)

	peer, ok := scanner.Lookup("peer-1")
	req.True(ok)
	req.Equal([]string{"10.0.0.2", "fe80::1"}, peer.Addresses)

	_, err = resolver.Resolve(context.Background(), "ghost")
	req.ErrorIs(err, network.ErrPeerUnknown)
}

func TestRefreshAfterStop(t *testing.T) {
	scanner, err := NewScanner(Config{
		SelfDeviceID: "self-device",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
		ScanTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	scanner.Start()
	scanner.Stop()

	require.ErrorIs(t, scanner.Refresh(context.Background()), ErrScannerStopped)
}

func TestServiceStartAndStop(t *testing.T) {
	svc, err := Start(Config{
		SelfDeviceID:  "self",
		DeviceName:    "Self",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, svc.Broadcaster)
	require.NotNil(t, svc.Scanner)
	svc.Stop()
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"key_fingerprint=fingerprint-" + deviceID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
