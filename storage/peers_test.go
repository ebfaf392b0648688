package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertPeerMergesWithoutReplacingKey(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	req.NoError(store.UpsertPeer(Peer{
		DeviceID:         "peer-1",
		DeviceName:       "Laptop",
		Ed25519PublicKey: "key-a",
		KeyFingerprint:   "fp-a",
	}))

	address := "192.168.1.20"
	port := 4100
	seen := int64(1234)
	req.NoError(store.UpsertPeer(Peer{
		DeviceID:          "peer-1",
		Ed25519PublicKey:  "key-b",
		KeyFingerprint:    "fp-b",
		LastKnownAddress:  &address,
		LastKnownPort:     &port,
		LastSeenTimestamp: &seen,
	}))

	got, err := store.GetPeer("peer-1")
	req.NoError(err)
	req.Equal("Laptop", got.DeviceName)
	req.Equal("key-a", got.Ed25519PublicKey)
	req.Equal("fp-a", got.KeyFingerprint)
	req.NotNil(got.LastKnownAddress)
	req.Equal(address, *got.LastKnownAddress)
	req.NotNil(got.LastKnownPort)
	req.Equal(port, *got.LastKnownPort)
	req.NotNil(got.LastSeenTimestamp)
	req.Equal(seen, *got.LastSeenTimestamp)

	key, ok := store.PinnedKey("peer-1")
	req.True(ok)
	req.Equal("key-a", key)
}

func TestPeerWithoutKeyGetsPinnedOnFirstContact(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	req.NoError(store.UpsertPeer(Peer{DeviceID: "peer-1", DeviceName: "Phone"}))
	_, ok := store.PinnedKey("peer-1")
	req.False(ok)

	req.NoError(store.UpsertPeer(Peer{DeviceID: "peer-1", Ed25519PublicKey: "key-a", KeyFingerprint: "fp-a"}))
	key, ok := store.PinnedKey("peer-1")
	req.True(ok)
	req.Equal("key-a", key)
}

func TestReplacePeerKey(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	req.ErrorIs(store.ReplacePeerKey("missing", "k", "f"), ErrNotFound)

	req.NoError(store.UpsertPeer(Peer{DeviceID: "peer-1", Ed25519PublicKey: "key-a", KeyFingerprint: "fp-a"}))
	req.NoError(store.ReplacePeerKey("peer-1", "key-b", "fp-b"))
	key, ok := store.PinnedKey("peer-1")
	req.True(ok)
	req.Equal("key-b", key)
}

func TestListAndRemovePeers(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	req.NoError(store.UpsertPeer(Peer{DeviceID: "b", DeviceName: "Zeta"}))
	req.NoError(store.UpsertPeer(Peer{DeviceID: "a", DeviceName: "Alpha"}))

	peers, err := store.ListPeers()
	req.NoError(err)
	req.Len(peers, 2)
	req.Equal("a", peers[0].DeviceID)

	req.NoError(store.RemovePeer("a"))
	req.ErrorIs(store.RemovePeer("a"), ErrNotFound)
	_, err = store.GetPeer("a")
	req.ErrorIs(err, ErrNotFound)
	req.Error(store.UpsertPeer(Peer{}))
}
