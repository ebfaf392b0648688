package network

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"peerxfer/transfer"
)

type pauseSide uint8

const (
	localSide pauseSide = iota
	remoteSide
)

// outbound is the sending half of one transfer.
type outbound struct {
	id        string
	peerID    string
	path      string
	size      int64
	chunkSize int
	session   *Session

	responses chan FileResponse
	wake      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once

	mu           sync.Mutex
	acked        int64
	started      bool
	localPaused  bool
	remotePaused bool
	finished     bool
	finishedAt   time.Time
}

func newOutbound(req transfer.Request, chunkSize int, session *Session) *outbound {
	return &outbound{
		id:        req.ID,
		peerID:    req.PeerID,
		path:      req.Path,
		size:      req.Size,
		chunkSize: chunkSize,
		session:   session,
		responses: make(chan FileResponse, 16),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
}

func (o *outbound) progress() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acked
}

func (o *outbound) isStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

func (o *outbound) doneAt() (bool, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished, o.finishedAt
}

func (o *outbound) setPaused(side pauseSide, paused bool) {
	o.mu.Lock()
	if side == localSide {
		o.localPaused = paused
	} else {
		o.remotePaused = paused
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// stop ends streaming. It reports whether an unfinished transfer was stopped.
func (o *outbound) stop() bool {
	o.mu.Lock()
	wasActive := !o.finished
	o.finished = true
	o.finishedAt = time.Now()
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stopped) })
	return wasActive
}

func (o *outbound) complete() {
	o.mu.Lock()
	o.acked = o.size
	o.finished = true
	o.finishedAt = time.Now()
	o.mu.Unlock()
}

// waitRunnable blocks while either side has the transfer paused.
func (o *outbound) waitRunnable() error {
	for {
		o.mu.Lock()
		paused := o.localPaused || o.remotePaused
		o.mu.Unlock()
		if !paused {
			return nil
		}

		select {
		case <-o.wake:
		case <-o.stopped:
			return errStopped
		case <-o.session.Done():
			return errStopped
		}
	}
}

func (o *outbound) deliver(response FileResponse) {
	select {
	case o.responses <- response:
	default:
	}
}

// RequestTransfer implements transfer.Client. It returns once the peer has
// accepted the offer and streaming has begun.
func (t *Transport) RequestTransfer(ctx context.Context, req transfer.Request) error {
	log := t.log.WithFields(logrus.Fields{
		"function":    "RequestTransfer",
		"transfer_id": req.ID,
		"peer_id":     req.PeerID,
	})

	checksum, err := fileChecksumHex(req.Path)
	if err != nil {
		return err
	}
	contentType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(req.Path); err == nil {
		contentType = detected.String()
	}

	session, err := t.sessionFor(ctx, req.PeerID)
	if err != nil {
		return fmt.Errorf("%w: connect to %q: %v", transfer.ErrTransportFailure, req.PeerID, err)
	}

	out := newOutbound(req, t.opts.ChunkSize, session)
	t.mu.Lock()
	if _, exists := t.outbound[req.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: transfer %q already in flight", transfer.ErrTransportFailure, req.ID)
	}
	t.outbound[req.ID] = out
	t.mu.Unlock()

	offer := FileOffer{
		Type:         TypeFileOffer,
		TransferID:   req.ID,
		FromDeviceID: t.opts.Identity.DeviceID,
		Filename:     filepath.Base(req.Path),
		Filesize:     req.Size,
		ContentType:  contentType,
		Checksum:     checksum,
		ChunkSize:    t.opts.ChunkSize,
		Timestamp:    nowMillis(),
	}
	if err := t.signOffer(&offer); err != nil {
		t.dropOutbound(out)
		return err
	}
	if err := session.Send(offer); err != nil {
		t.dropOutbound(out)
		return fmt.Errorf("%w: send offer: %v", transfer.ErrTransportFailure, err)
	}
	log.WithFields(logrus.Fields{
		"size":         req.Size,
		"content_type": contentType,
	}).Debug("Offer sent, waiting for decision")

	timer := time.NewTimer(t.opts.OfferTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			t.withdraw(out)
			return ctx.Err()
		case <-timer.C:
			t.withdraw(out)
			return fmt.Errorf("%w: peer did not answer the offer within %s", transfer.ErrTransportFailure, t.opts.OfferTimeout)
		case <-out.stopped:
			return fmt.Errorf("%w: transfer stopped before acceptance", transfer.ErrTransportFailure)
		case <-session.Done():
			t.dropOutbound(out)
			return fmt.Errorf("%w: peer disconnected before answering", transfer.ErrTransportFailure)
		case response := <-out.responses:
			switch response.Status {
			case responseAccepted:
				out.mu.Lock()
				out.started = true
				out.mu.Unlock()
				t.wg.Add(1)
				go t.sendLoop(out)
				log.Info("Offer accepted, streaming")
				return nil
			case responseRejected:
				t.dropOutbound(out)
				reason := response.Message
				if reason == "" {
					reason = "offer declined"
				}
				return fmt.Errorf("%w: %s", transfer.ErrTransportRejected, reason)
			}
		}
	}
}

func (t *Transport) dropOutbound(out *outbound) {
	out.stop()
	t.mu.Lock()
	if t.outbound[out.id] == out {
		delete(t.outbound, out.id)
	}
	t.mu.Unlock()
}

// withdraw abandons an unanswered offer and tells the peer.
func (t *Transport) withdraw(out *outbound) {
	t.dropOutbound(out)
	_ = out.session.Send(controlMessage(out.id, controlCancel))
}

// sendLoop streams chunks stop-and-wait; progress is the acknowledged byte count.
func (t *Transport) sendLoop(out *outbound) {
	defer t.wg.Done()

	log := t.log.WithFields(logrus.Fields{
		"function":    "sendLoop",
		"transfer_id": out.id,
		"peer_id":     out.peerID,
	})

	if err := t.streamChunks(out); err != nil {
		if errors.Is(err, errStopped) {
			log.Debug("Streaming stopped")
			return
		}
		t.mu.Lock()
		current := t.outbound[out.id] == out
		t.mu.Unlock()
		if current && out.stop() {
			_ = out.session.Send(FileComplete{
				Type:       TypeFileComplete,
				TransferID: out.id,
				Status:     completeFailed,
				Message:    err.Error(),
				Timestamp:  nowMillis(),
			})
			t.fault(out.id, err)
		}
		return
	}

	out.complete()
	log.Info("All chunks acknowledged")
}

func (t *Transport) streamChunks(out *outbound) error {
	file, err := os.Open(out.path)
	if err != nil {
		return fmt.Errorf("%w: open source file: %v", transfer.ErrTransportFailure, err)
	}
	defer func() {
		_ = file.Close()
	}()

	total := chunkCount(out.size, out.chunkSize)
	for index := 0; index < total; index++ {
		if err := out.waitRunnable(); err != nil {
			return err
		}

		data, err := readFileChunk(file, int64(index)*int64(out.chunkSize), out.chunkSize)
		if err != nil {
			return fmt.Errorf("%w: %v", transfer.ErrTransportFailure, err)
		}

		delivered := false
		for attempt := 0; attempt < t.opts.MaxChunkRetries && !delivered; attempt++ {
			sealed, err := out.session.sealer.Seal(data, chunkAAD(out.id, index))
			if err != nil {
				return fmt.Errorf("%w: seal chunk %d: %v", transfer.ErrTransportFailure, index, err)
			}
			if err := out.session.Send(FileChunk{
				Type:       TypeFileChunk,
				TransferID: out.id,
				ChunkIndex: index,
				Sealed:     sealed,
				Timestamp:  nowMillis(),
			}); err != nil {
				return errStopped
			}

			delivered, err = t.waitForChunkResponse(out, index)
			if err != nil {
				return err
			}
		}
		if !delivered {
			return fmt.Errorf("%w: chunk %d delivery failed after %d attempts", transfer.ErrTransportFailure, index, t.opts.MaxChunkRetries)
		}

		out.mu.Lock()
		out.acked += int64(len(data))
		out.mu.Unlock()
	}
	return nil
}

// waitForChunkResponse reports true on ack and false on nack or timeout.
func (t *Transport) waitForChunkResponse(out *outbound, index int) (bool, error) {
	timer := time.NewTimer(t.opts.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-out.stopped:
			return false, errStopped
		case <-out.session.Done():
			return false, errStopped
		case <-timer.C:
			return false, nil
		case response := <-out.responses:
			if response.ChunkIndex != index {
				continue
			}
			switch response.Status {
			case responseChunkAck:
				return true, nil
			case responseChunkNack:
				return false, nil
			}
		}
	}
}

// handleResponse routes an offer decision or chunk ack to its sender.
func (t *Transport) handleResponse(s *Session, response FileResponse) {
	t.mu.Lock()
	out := t.outbound[response.TransferID]
	t.mu.Unlock()
	if out == nil || out.session != s {
		return
	}
	out.deliver(response)
}

// handleComplete processes a failure report from the receiving side.
func (t *Transport) handleComplete(s *Session, complete FileComplete) {
	if complete.Status != completeFailed {
		return
	}

	t.mu.Lock()
	out := t.outbound[complete.TransferID]
	if out != nil && out.session == s {
		delete(t.outbound, complete.TransferID)
	} else {
		out = nil
	}
	in := t.inbound[complete.TransferID]
	if in != nil && in.session == s {
		delete(t.inbound, complete.TransferID)
	} else {
		in = nil
	}
	t.mu.Unlock()

	cause := fmt.Errorf("%w: peer reported failure: %s", transfer.ErrTransportFailure, complete.Message)
	if out != nil && out.stop() {
		t.fault(complete.TransferID, cause)
	}
	if in != nil && in.discard() && in.isAccepted() {
		t.fault(complete.TransferID, cause)
	}
}

func (t *Transport) signOffer(offer *FileOffer) error {
	signable := *offer
	signable.Signature = ""
	raw, err := json.Marshal(signable)
	if err != nil {
		return fmt.Errorf("marshal offer signable payload: %w", err)
	}
	signature, err := t.opts.Identity.Keys.Sign(raw)
	if err != nil {
		return fmt.Errorf("sign offer: %w", err)
	}
	offer.Signature = base64.StdEncoding.EncodeToString(signature)
	return nil
}

func chunkAAD(id string, index int) []byte {
	return []byte(id + ":" + strconv.Itoa(index))
}

func readFileChunk(file *os.File, offset int64, chunkSize int) ([]byte, error) {
	buffer := make([]byte, chunkSize)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buffer[:n], nil
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
