package network

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerxfer/crypto"
)

func newTestIdentity(t *testing.T, deviceID string) LocalIdentity {
	t.Helper()

	keys, err := crypto.LoadOrCreateIdentity(filepath.Join(t.TempDir(), deviceID+".pem"))
	require.NoError(t, err)
	return LocalIdentity{DeviceID: deviceID, DeviceName: "device " + deviceID, Keys: keys}
}

// newTestTransport starts a transport on loopback that resolves peers via
// the shared table.
func newTestTransport(t *testing.T, deviceID string, peers StaticResolver, configure func(*Options)) *Transport {
	t.Helper()

	opts := Options{
		Identity:        newTestIdentity(t, deviceID),
		ListenAddress:   "127.0.0.1:0",
		Resolver:        peers,
		ChunkSize:       16 * 1024,
		ResponseTimeout: 2 * time.Second,
		OfferTimeout:    5 * time.Second,
	}
	if configure != nil {
		configure(&opts)
	}

	tr, err := NewTransport(opts)
	require.NoError(t, err)
	peers[deviceID] = tr.Addr().String()
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

func waitFault(t *testing.T, tr *Transport) (string, error) {
	t.Helper()

	select {
	case fault := <-tr.Faults():
		return fault.ID, fault.Err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport fault")
		return "", nil
	}
}
