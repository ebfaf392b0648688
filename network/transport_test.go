package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerxfer/transfer"
)

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func waitForStatus(t *testing.T, engine *transfer.Engine, id string, want transfer.Status) transfer.Record {
	t.Helper()

	var rec transfer.Record
	require.Eventually(t, func() bool {
		got, err := engine.Get(id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status == want
	}, 10*time.Second, 10*time.Millisecond, "transfer %s never reached %s", id, want)
	return rec
}

func newTestEngine(t *testing.T, client transfer.Client) *transfer.Engine {
	t.Helper()

	engine := transfer.NewEngine(client, transfer.EngineOptions{MonitorInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func TestEnginesTransferFileEndToEnd(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	downloads := t.TempDir()
	accepted := make(chan string, 1)

	var receiverEngine atomic.Pointer[transfer.Engine]
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) {
			err := receiverEngine.Load().Accept(context.Background(), offer.ID, filepath.Join(downloads, offer.Filename), transfer.WithPeer(offer.PeerID))
			if err == nil {
				accepted <- offer.ID
			}
		}
	})
	senderEngine := newTestEngine(t, sender)
	receiverEngine.Store(newTestEngine(t, receiver))

	path, data := writeRandomFile(t, 200*1024+123)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := senderEngine.Initiate(ctx, path, "receiver")
	req.NoError(err)

	select {
	case got := <-accepted:
		req.Equal(id, got)
	case <-ctx.Done():
		t.Fatal("receiver never accepted the offer")
	}

	sent := waitForStatus(t, senderEngine, id, transfer.StatusCompleted)
	received := waitForStatus(t, receiverEngine.Load(), id, transfer.StatusCompleted)
	req.Equal(int64(len(data)), sent.BytesTransferred)
	req.Equal(int64(len(data)), received.BytesTransferred)
	req.Equal(transfer.DirectionReceive, received.Direction)
	req.Equal("sender", received.PeerID)

	got, err := os.ReadFile(filepath.Join(downloads, "payload.bin"))
	req.NoError(err)
	req.True(bytes.Equal(data, got))
	_, err = os.Stat(filepath.Join(downloads, "payload.bin"+partialSuffix))
	req.True(os.IsNotExist(err))
}

func TestEmptyFileCompletesWithoutChunks(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	downloads := t.TempDir()
	var receiverEngine atomic.Pointer[transfer.Engine]
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) {
			_ = receiverEngine.Load().Accept(context.Background(), offer.ID, filepath.Join(downloads, "empty.bin"), transfer.WithPeer(offer.PeerID))
		}
	})
	senderEngine := newTestEngine(t, sender)
	receiverEngine.Store(newTestEngine(t, receiver))

	path := filepath.Join(t.TempDir(), "empty.bin")
	req.NoError(os.WriteFile(path, nil, 0o600))

	id, err := senderEngine.Initiate(context.Background(), path, "receiver")
	req.NoError(err)

	waitForStatus(t, senderEngine, id, transfer.StatusCompleted)
	waitForStatus(t, receiverEngine.Load(), id, transfer.StatusCompleted)
	info, err := os.Stat(filepath.Join(downloads, "empty.bin"))
	req.NoError(err)
	req.Zero(info.Size())
}

func TestRejectedOfferSurfacesAsRejection(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	var self atomic.Pointer[Transport]
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) {
			_ = self.Load().Reject(context.Background(), offer.ID, "not now")
		}
	})
	self.Store(receiver)
	senderEngine := newTestEngine(t, sender)

	path, _ := writeRandomFile(t, 1024)
	_, err := senderEngine.Initiate(context.Background(), path, "receiver")
	req.ErrorIs(err, transfer.ErrTransportRejected)
	req.Contains(err.Error(), "not now")
	req.Empty(senderEngine.List())
	req.Empty(receiver.PendingOffers())
}

func TestUnknownPeerFailsInitiate(t *testing.T) {
	sender := newTestTransport(t, "sender", StaticResolver{}, nil)
	engine := newTestEngine(t, sender)

	path, _ := writeRandomFile(t, 10)
	_, err := engine.Initiate(context.Background(), path, "nobody")
	require.ErrorIs(t, err, transfer.ErrTransportFailure)
}

// startPausedTransfer leaves the sender's stream paused right after the
// receiver accepts, so nothing is streamed until the test decides.
func startPausedTransfer(t *testing.T, sender, receiver *Transport, offers <-chan Offer, path string, size int64) string {
	t.Helper()
	req := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const id = "paused-transfer"
	result := make(chan error, 1)
	go func() {
		result <- sender.RequestTransfer(ctx, transfer.Request{ID: id, Path: path, PeerID: "receiver", Size: size})
	}()

	var offer Offer
	select {
	case offer = <-offers:
	case <-ctx.Done():
		t.Fatal("offer never arrived")
	}
	req.Equal(id, offer.ID)
	req.Equal(size, offer.Size)
	req.Len(receiver.PendingOffers(), 1)

	req.NoError(sender.PauseRemote(ctx, id))
	total, err := receiver.AcceptTransfer(ctx, id, filepath.Join(t.TempDir(), "out.bin"))
	req.NoError(err)
	req.Equal(size, total)

	select {
	case err := <-result:
		req.NoError(err)
	case <-ctx.Done():
		t.Fatal("RequestTransfer did not return after acceptance")
	}
	return id
}

func TestRemoteCancelFaultsSender(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	offers := make(chan Offer, 1)
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) { offers <- offer }
	})

	path, data := writeRandomFile(t, 64*1024)
	id := startPausedTransfer(t, sender, receiver, offers, path, int64(len(data)))

	progress, err := sender.QueryProgress(context.Background(), id)
	req.NoError(err)
	req.Zero(progress)

	req.NoError(receiver.CancelRemote(context.Background(), id))

	faultID, faultErr := waitFault(t, sender)
	req.Equal(id, faultID)
	req.ErrorIs(faultErr, transfer.ErrTransportRejected)

	_, err = receiver.QueryProgress(context.Background(), id)
	req.ErrorIs(err, transfer.ErrTransportFailure)
}

func TestPeerDisconnectFaultsActiveTransfer(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	offers := make(chan Offer, 1)
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) { offers <- offer }
	})

	path, data := writeRandomFile(t, 64*1024)
	id := startPausedTransfer(t, sender, receiver, offers, path, int64(len(data)))

	req.NoError(receiver.Close())

	faultID, faultErr := waitFault(t, sender)
	req.Equal(id, faultID)
	req.ErrorIs(faultErr, transfer.ErrTransportFailure)
}

func TestResumeAfterRemotePauseFinishes(t *testing.T) {
	req := require.New(t)

	peers := StaticResolver{}
	offers := make(chan Offer, 1)
	sender := newTestTransport(t, "sender", peers, nil)
	receiver := newTestTransport(t, "receiver", peers, func(o *Options) {
		o.OnOffer = func(offer Offer) { offers <- offer }
	})

	path, data := writeRandomFile(t, 100*1024)
	id := startPausedTransfer(t, sender, receiver, offers, path, int64(len(data)))

	req.NoError(sender.ResumeRemote(context.Background(), id))
	req.Eventually(func() bool {
		sent, err := sender.QueryProgress(context.Background(), id)
		if err != nil {
			return false
		}
		got, err := receiver.QueryProgress(context.Background(), id)
		return err == nil && sent == int64(len(data)) && got == int64(len(data))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueryProgressUnknownTransfer(t *testing.T) {
	tr := newTestTransport(t, "solo", StaticResolver{}, nil)
	_, err := tr.QueryProgress(context.Background(), "missing")
	require.ErrorIs(t, err, transfer.ErrTransportFailure)
	require.NoError(t, tr.CancelRemote(context.Background(), "missing"))
}
