package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"peerxfer/crypto"
	"peerxfer/transfer"
)

const partialSuffix = ".part"

// inbound is the receiving half of one transfer, from offer to finalize.
type inbound struct {
	offer     Offer
	chunkSize int
	session   *Session

	mu         sync.Mutex
	accepted   bool
	savePath   string
	tempPath   string
	file       *os.File
	received   map[int]bool
	bytes      int64
	completed  bool
	finished   bool
	finishedAt time.Time
}

func (in *inbound) isAccepted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.accepted
}

func (in *inbound) progress() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.bytes
}

func (in *inbound) doneAt() (bool, time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finished, in.finishedAt
}

// discard drops partial data. It reports whether an unfinished transfer was
// discarded.
func (in *inbound) discard() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finished {
		return false
	}
	in.finished = true
	in.finishedAt = time.Now()
	in.closeFileLocked()
	if in.tempPath != "" {
		_ = os.Remove(in.tempPath)
	}
	return true
}

func (in *inbound) closeFileLocked() {
	if in.file != nil {
		_ = in.file.Close()
		in.file = nil
	}
}

// finalizeLocked verifies the checksum and moves the partial file into place.
func (in *inbound) finalizeLocked() error {
	if in.file != nil {
		if err := in.file.Sync(); err != nil {
			return fmt.Errorf("sync partial file: %w", err)
		}
	}
	in.closeFileLocked()

	checksum, err := fileChecksumHex(in.tempPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(checksum, in.offer.Checksum) {
		return errors.New("checksum mismatch")
	}
	if err := os.Rename(in.tempPath, in.savePath); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}

	in.bytes = in.offer.Size
	in.completed = true
	in.finished = true
	in.finishedAt = time.Now()
	return nil
}

// PendingOffers lists offers that have not been accepted or rejected yet,
// oldest first.
func (t *Transport) PendingOffers() []Offer {
	t.mu.Lock()
	pending := lo.FilterMap(lo.Values(t.inbound), func(in *inbound, _ int) (Offer, bool) {
		return in.offer, !in.isAccepted() && !isFinished(in)
	})
	t.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})
	return pending
}

func isFinished(in *inbound) bool {
	finished, _ := in.doneAt()
	return finished
}

// AcceptTransfer implements transfer.Client.
func (t *Transport) AcceptTransfer(_ context.Context, id, savePath string) (int64, error) {
	t.mu.Lock()
	in := t.inbound[id]
	t.mu.Unlock()
	if in == nil {
		return 0, fmt.Errorf("%w: no pending offer %q", transfer.ErrTransportFailure, id)
	}

	log := t.log.WithFields(logrus.Fields{
		"function":    "AcceptTransfer",
		"transfer_id": id,
		"peer_id":     in.offer.PeerID,
	})

	in.mu.Lock()
	if in.accepted || in.finished {
		in.mu.Unlock()
		return 0, fmt.Errorf("%w: offer %q already handled", transfer.ErrTransportFailure, id)
	}

	tempPath := savePath + partialSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		in.mu.Unlock()
		return 0, fmt.Errorf("create partial file: %w", err)
	}
	if err := file.Truncate(in.offer.Size); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		in.mu.Unlock()
		return 0, fmt.Errorf("allocate partial file: %w", err)
	}

	in.accepted = true
	in.savePath = savePath
	in.tempPath = tempPath
	in.file = file
	in.received = make(map[int]bool)
	if in.offer.Size == 0 {
		if err := in.finalizeLocked(); err != nil {
			in.mu.Unlock()
			in.discard()
			t.removeInbound(in)
			_ = in.session.Send(FileResponse{Type: TypeFileResponse, TransferID: id, Status: responseRejected, Message: err.Error(), Timestamp: nowMillis()})
			return 0, fmt.Errorf("%w: %v", transfer.ErrTransportFailure, err)
		}
	}
	in.mu.Unlock()

	if err := in.session.Send(FileResponse{
		Type:       TypeFileResponse,
		TransferID: id,
		Status:     responseAccepted,
		Timestamp:  nowMillis(),
	}); err != nil {
		in.discard()
		t.removeInbound(in)
		return 0, fmt.Errorf("%w: send acceptance: %v", transfer.ErrTransportFailure, err)
	}

	log.WithField("save_path", savePath).Info("Offer accepted")
	return in.offer.Size, nil
}

// Reject declines a pending offer.
func (t *Transport) Reject(_ context.Context, id, reason string) error {
	t.mu.Lock()
	in := t.inbound[id]
	if in != nil && !in.isAccepted() {
		delete(t.inbound, id)
	}
	t.mu.Unlock()
	if in == nil || in.isAccepted() {
		return fmt.Errorf("%w: no pending offer %q", transfer.ErrTransportFailure, id)
	}
	in.discard()

	if reason == "" {
		reason = "offer declined"
	}
	if err := in.session.Send(FileResponse{
		Type:       TypeFileResponse,
		TransferID: id,
		Status:     responseRejected,
		Message:    reason,
		Timestamp:  nowMillis(),
	}); err != nil {
		return fmt.Errorf("%w: send rejection: %v", transfer.ErrTransportFailure, err)
	}
	return nil
}

func (t *Transport) removeInbound(in *inbound) {
	t.mu.Lock()
	if t.inbound[in.offer.ID] == in {
		delete(t.inbound, in.offer.ID)
	}
	t.mu.Unlock()
}

// handleOffer verifies and records an incoming offer.
func (t *Transport) handleOffer(s *Session, offer FileOffer) error {
	switch {
	case offer.TransferID == "" || offer.Filename == "" || offer.Filesize < 0:
		return errors.New("malformed file offer")
	case offer.FromDeviceID != s.PeerID():
		return fmt.Errorf("offer claims sender %q on session with %q", offer.FromDeviceID, s.PeerID())
	case offer.ChunkSize <= 0 || offer.ChunkSize > MaxFrameSize/2:
		return fmt.Errorf("offer chunk size %d out of range", offer.ChunkSize)
	}
	if err := verifyOffer(s.PeerPublicKey(), offer); err != nil {
		_ = s.Send(refusal("invalid_signature", err))
		return err
	}

	in := &inbound{
		offer: Offer{
			ID:          offer.TransferID,
			PeerID:      s.PeerID(),
			PeerName:    s.PeerName(),
			Filename:    filepath.Base(offer.Filename),
			Size:        offer.Filesize,
			ContentType: offer.ContentType,
			Checksum:    offer.Checksum,
			ReceivedAt:  time.Now(),
		},
		chunkSize: offer.ChunkSize,
		session:   s,
	}

	t.mu.Lock()
	if _, exists := t.inbound[offer.TransferID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("duplicate offer %q", offer.TransferID)
	}
	t.inbound[offer.TransferID] = in
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function":    "handleOffer",
		"transfer_id": offer.TransferID,
		"peer_id":     s.PeerID(),
		"filename":    in.offer.Filename,
		"size":        offer.Filesize,
	}).Info("Incoming offer")

	if t.opts.OnOffer != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.opts.OnOffer(in.offer)
		}()
	}
	return nil
}

// handleChunk writes one chunk and acknowledges it. The last missing chunk is
// acknowledged only after the file has been verified and moved into place.
func (t *Transport) handleChunk(s *Session, chunk FileChunk) {
	t.mu.Lock()
	in := t.inbound[chunk.TransferID]
	t.mu.Unlock()
	if in == nil || in.session != s || !in.isAccepted() {
		t.sendChunkResponse(s, chunk.TransferID, chunk.ChunkIndex, responseChunkNack, "unknown transfer")
		return
	}

	in.mu.Lock()
	status, message, failure := t.storeChunkLocked(s.sealer, in, chunk)
	in.mu.Unlock()

	if failure != nil {
		in.discard()
		t.removeInbound(in)
		_ = s.Send(FileComplete{
			Type:       TypeFileComplete,
			TransferID: chunk.TransferID,
			Status:     completeFailed,
			Message:    failure.Error(),
			Timestamp:  nowMillis(),
		})
		t.fault(chunk.TransferID, fmt.Errorf("%w: %v", transfer.ErrTransportFailure, failure))
		return
	}
	t.sendChunkResponse(s, chunk.TransferID, chunk.ChunkIndex, status, message)
}

func (t *Transport) storeChunkLocked(sealer *crypto.Sealer, in *inbound, chunk FileChunk) (status, message string, failure error) {
	if in.completed {
		return responseChunkAck, "", nil
	}
	if in.finished {
		return responseChunkNack, "transfer closed", nil
	}

	total := chunkCount(in.offer.Size, in.chunkSize)
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= total {
		return responseChunkNack, "invalid chunk index", nil
	}
	if in.received[chunk.ChunkIndex] {
		return responseChunkAck, "", nil
	}

	plaintext, err := sealer.Open(chunk.Sealed, chunkAAD(chunk.TransferID, chunk.ChunkIndex))
	if err != nil {
		return responseChunkNack, "decryption failed", nil
	}
	offset := int64(chunk.ChunkIndex) * int64(in.chunkSize)
	want := int64(in.chunkSize)
	if remaining := in.offer.Size - offset; remaining < want {
		want = remaining
	}
	if int64(len(plaintext)) != want {
		return responseChunkNack, "chunk size mismatch", nil
	}
	if _, err := in.file.WriteAt(plaintext, offset); err != nil {
		return "", "", fmt.Errorf("write chunk %d: %w", chunk.ChunkIndex, err)
	}
	in.received[chunk.ChunkIndex] = true

	if len(in.received) < total {
		in.bytes += int64(len(plaintext))
		return responseChunkAck, "", nil
	}
	if err := in.finalizeLocked(); err != nil {
		return "", "", err
	}
	t.log.WithFields(logrus.Fields{
		"function":    "storeChunkLocked",
		"transfer_id": chunk.TransferID,
		"path":        in.savePath,
	}).Info("File received and verified")
	return responseChunkAck, "", nil
}

func (t *Transport) sendChunkResponse(s *Session, id string, index int, status, message string) {
	if err := s.Send(FileResponse{
		Type:       TypeFileResponse,
		TransferID: id,
		Status:     status,
		ChunkIndex: index,
		Message:    message,
		Timestamp:  nowMillis(),
	}); err != nil {
		t.log.WithFields(logrus.Fields{
			"function":    "sendChunkResponse",
			"transfer_id": id,
		}).WithError(err).Debug("Chunk response not sent")
	}
}

func verifyOffer(encodedKey string, offer FileOffer) error {
	publicKey, err := crypto.ParsePublicKey(encodedKey)
	if err != nil {
		return err
	}
	signature, err := base64.StdEncoding.DecodeString(offer.Signature)
	if err != nil {
		return fmt.Errorf("decode offer signature: %w", err)
	}
	signable := offer
	signable.Signature = ""
	raw, err := json.Marshal(signable)
	if err != nil {
		return fmt.Errorf("marshal offer signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, raw, signature) {
		return ErrInvalidSignature
	}
	return nil
}
