package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialEstablishesAuthenticatedSession(t *testing.T) {
	req := require.New(t)

	serverID := newTestIdentity(t, "server")
	clientID := newTestIdentity(t, "client")

	server, err := Listen("127.0.0.1:0", HandshakeOptions{Identity: serverID})
	req.NoError(err)
	t.Cleanup(func() { _ = server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, server.Addr().String(), HandshakeOptions{Identity: clientID})
	req.NoError(err)
	t.Cleanup(func() { _ = client.Close() })

	var inbound *Session
	select {
	case inbound = <-server.Incoming():
	case <-ctx.Done():
		t.Fatal("server never produced a session")
	}
	t.Cleanup(func() { _ = inbound.Close() })

	req.Equal("server", client.PeerID())
	req.Equal("client", inbound.PeerID())
	req.Equal(clientID.Keys.EncodedPublicKey(), inbound.PeerPublicKey())

	aad := chunkAAD("t1", 0)
	sealed, err := client.sealer.Seal([]byte("payload"), aad)
	req.NoError(err)
	opened, err := inbound.sealer.Open(sealed, aad)
	req.NoError(err)
	req.Equal("payload", string(opened))
}

func TestHandshakeRefusesChangedKey(t *testing.T) {
	req := require.New(t)

	serverID := newTestIdentity(t, "server")
	clientID := newTestIdentity(t, "client")
	impostor := newTestIdentity(t, "impostor")

	server, err := Listen("127.0.0.1:0", HandshakeOptions{
		Identity: serverID,
		KeyLookup: func(deviceID string) (string, bool) {
			return impostor.Keys.EncodedPublicKey(), deviceID == "client"
		},
	})
	req.NoError(err)
	t.Cleanup(func() { _ = server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, server.Addr().String(), HandshakeOptions{Identity: clientID})
	req.Error(err)
	req.Contains(err.Error(), "key_changed")

	select {
	case serverErr := <-server.Errors():
		req.ErrorIs(serverErr, ErrKeyChanged)
	case <-ctx.Done():
		t.Fatal("server did not report the refused handshake")
	}
}

func TestVerifyHandshakeRejectsTampering(t *testing.T) {
	req := require.New(t)

	id := newTestIdentity(t, "alpha")
	msg, err := buildHandshake(id, TypeHandshake, "ephemeral", "nonce")
	req.NoError(err)
	req.NoError(verifyHandshake(msg, "nonce"))

	req.Error(verifyHandshake(msg, "other-nonce"))

	tampered := msg
	tampered.DeviceName = "mallory"
	req.ErrorIs(verifyHandshake(tampered, "nonce"), ErrInvalidSignature)

	old := msg
	old.ProtocolVersion = ProtocolVersion + 1
	req.ErrorIs(verifyHandshake(old, "nonce"), ErrUnsupportedVersion)
}

func TestListenRequiresIdentity(t *testing.T) {
	_, err := Listen("127.0.0.1:0", HandshakeOptions{})
	require.Error(t, err)
}
