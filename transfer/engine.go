// Package transfer manages concurrent peer file transfers: it owns the
// registry of records, drives their state machine against a pluggable
// transport, supervises one progress monitor per active transfer and
// publishes every committed change to subscribers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerxfer/notify"
)

const (
	// DefaultMonitorInterval is the progress polling cadence.
	DefaultMonitorInterval = time.Second
	// DefaultMaxProgressErrors is how many consecutive transient progress
	// errors a transfer survives before it is failed.
	DefaultMaxProgressErrors = 3
	// DefaultTombstoneLimit bounds how many cancelled ids are remembered.
	DefaultTombstoneLimit = 1024

	shutdownReason = "engine shut down"
	abandonTimeout = 5 * time.Second
)

// Outcome tells a Cancel caller whether anything changed.
type Outcome uint8

const (
	// OutcomeApplied means the transfer was cancelled and removed.
	OutcomeApplied Outcome = iota
	// OutcomeNoop means the transfer was already cancelled or terminal.
	OutcomeNoop
)

func (o Outcome) String() string {
	if o == OutcomeNoop {
		return "noop"
	}
	return "applied"
}

// EngineOptions configures an Engine. Zero values select defaults.
type EngineOptions struct {
	MonitorInterval   time.Duration
	MaxProgressErrors int
	SubscriberBuffer  int
	TombstoneLimit    int
	Logger            *logrus.Entry
	Now               func() time.Time
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = DefaultMonitorInterval
	}
	if out.MaxProgressErrors <= 0 {
		out.MaxProgressErrors = DefaultMaxProgressErrors
	}
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = notify.DefaultBuffer
	}
	if out.TombstoneLimit <= 0 {
		out.TombstoneLimit = DefaultTombstoneLimit
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logrus.NewEntry(logger)
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// CallOption customizes Initiate and Accept.
type CallOption func(*callOptions)

type callOptions struct {
	id     string
	peerID string
}

// WithID registers the transfer under a caller-supplied id instead of a
// freshly generated one.
func WithID(id string) CallOption {
	return func(o *callOptions) { o.id = id }
}

// WithPeer records the remote peer of an accepted transfer.
func WithPeer(peerID string) CallOption {
	return func(o *callOptions) { o.peerID = peerID }
}

// Engine orchestrates transfer lifecycles. All methods are safe for
// concurrent use.
type Engine struct {
	client   Client
	registry *Registry
	hub      *notify.Hub[Event]
	opts     EngineOptions
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	monMu    sync.Mutex
	monitors map[string]*monitor
	stopping bool
	wg       sync.WaitGroup

	tombMu     sync.Mutex
	tombstones map[string]struct{}
	tombOrder  []string

	shutdownOnce sync.Once
}

// NewEngine builds an engine on top of client. If client also implements
// FaultSource its faults are consumed until Shutdown.
func NewEngine(client Client, options EngineOptions) *Engine {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.WithField("component", "engine")

	e := &Engine{
		client:     client,
		registry:   NewRegistry(),
		hub:        notify.New[Event](notify.Options{Buffer: opts.SubscriberBuffer, Logger: opts.Logger}),
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		monitors:   make(map[string]*monitor),
		tombstones: make(map[string]struct{}),
	}

	if source, ok := client.(FaultSource); ok {
		e.wg.Add(1)
		go e.superviseFaults(source.Faults())
	}
	return e
}

// Subscribe registers handler for every committed transfer event.
func (e *Engine) Subscribe(handler func(Event)) notify.Token {
	return e.hub.Subscribe(handler)
}

// Unsubscribe removes a handler registered with Subscribe.
func (e *Engine) Unsubscribe(token notify.Token) bool {
	return e.hub.Unsubscribe(token)
}

// Get returns a snapshot of one transfer.
func (e *Engine) Get(id string) (Record, error) {
	rec, ok := e.registry.Get(id)
	if !ok {
		return Record{}, opError("get", id, ErrNotFound, nil)
	}
	return rec, nil
}

// List returns a snapshot of every registered transfer, oldest first.
func (e *Engine) List() []Record {
	return e.registry.List()
}

// Progress returns the completion percentage of one transfer.
func (e *Engine) Progress(id string) (float64, error) {
	rec, err := e.Get(id)
	if err != nil {
		return 0, err
	}
	return rec.Percentage(), nil
}

// Initiate validates the local file, registers a send record and asks the
// transport to start it. On any failure no record is left behind.
func (e *Engine) Initiate(ctx context.Context, path, peerID string, opts ...CallOption) (string, error) {
	const op = "initiate"
	if e.closed.Load() {
		return "", opError(op, "", ErrClosed, nil)
	}
	call := applyCallOptions(opts)

	size, err := inspectSource(path)
	if err != nil {
		return "", opError(op, call.id, ErrLocalFile, err)
	}

	id := call.id
	if id == "" {
		id = uuid.NewString()
	}
	now := e.opts.Now()
	rec := Record{
		ID:        id,
		LocalPath: path,
		PeerID:    peerID,
		Direction: DirectionSend,
		TotalSize: size,
		Status:    StatusInitiating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !e.registry.InsertIfAbsent(rec) {
		return "", opError(op, id, ErrInvalidTransition, ErrDuplicateID)
	}

	log := e.log.WithFields(logrus.Fields{
		"function":    "Initiate",
		"transfer_id": id,
		"peer_id":     peerID,
		"total_size":  size,
	})
	log.Debug("Requesting transfer from transport")

	callCtx, stop := e.callContext(ctx)
	err = e.client.RequestTransfer(callCtx, Request{ID: id, Path: path, PeerID: peerID, Size: size})
	stop()
	if err != nil {
		e.registry.Remove(id)
		log.WithError(err).Warn("Transport did not start transfer")
		return "", transportError(op, id, err)
	}

	if err := e.confirmStart(op, id, StatusInitiating, size); err != nil {
		e.abandon(id)
		return "", err
	}
	log.Info("Transfer started")
	return id, nil
}

// Accept registers a receive record for a pending incoming offer and asks the
// transport to accept it into savePath.
func (e *Engine) Accept(ctx context.Context, id, savePath string, opts ...CallOption) error {
	const op = "accept"
	if e.closed.Load() {
		return opError(op, id, ErrClosed, nil)
	}
	if id == "" {
		return opError(op, id, ErrNotFound, errors.New("empty transfer id"))
	}
	call := applyCallOptions(opts)

	if err := inspectDestination(savePath); err != nil {
		return opError(op, id, ErrLocalFile, err)
	}

	now := e.opts.Now()
	rec := Record{
		ID:        id,
		LocalPath: savePath,
		PeerID:    call.peerID,
		Direction: DirectionReceive,
		Status:    StatusAccepting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !e.registry.InsertIfAbsent(rec) {
		return opError(op, id, ErrInvalidTransition, ErrDuplicateID)
	}

	log := e.log.WithFields(logrus.Fields{
		"function":    "Accept",
		"transfer_id": id,
		"peer_id":     call.peerID,
		"save_path":   savePath,
	})

	callCtx, stop := e.callContext(ctx)
	total, err := e.client.AcceptTransfer(callCtx, id, savePath)
	stop()
	if err != nil {
		e.registry.Remove(id)
		log.WithError(err).Warn("Transport did not accept transfer")
		return transportError(op, id, err)
	}
	if total < 0 {
		e.registry.Remove(id)
		return opError(op, id, ErrTransportFailure, fmt.Errorf("negative total size %d", total))
	}

	if err := e.confirmStart(op, id, StatusAccepting, total); err != nil {
		e.abandon(id)
		return err
	}
	log.WithField("total_size", total).Info("Transfer accepted")
	return nil
}

// confirmStart moves a pending record to InProgress and starts its monitor.
func (e *Engine) confirmStart(op, id string, from Status, total int64) error {
	var result error
	found := e.registry.Mutate(id, func(rec *Record) {
		if rec.Status != from {
			result = opError(op, id, ErrClosed, fmt.Errorf("transfer is %s", rec.Status))
			return
		}
		rec.TotalSize = total
		rec.UpdatedAt = e.opts.Now()
		if !e.startMonitorLocked(id) {
			rec.Status = StatusFailed
			rec.Err = shutdownReason
			e.hub.Publish(eventFromRecord(rec))
			result = opError(op, id, ErrClosed, nil)
			return
		}
		rec.Status = StatusInProgress
	})
	if !found {
		return opError(op, id, ErrClosed, nil)
	}
	return result
}

// abandon tells the transport to drop a transfer the engine could not adopt.
func (e *Engine) abandon(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	if err := e.client.CancelRemote(ctx, id); err != nil {
		e.log.WithFields(logrus.Fields{
			"function":    "abandon",
			"transfer_id": id,
		}).WithError(err).Warn("Failed to cancel abandoned transfer")
	}
}

// Pause suspends an InProgress transfer once the transport confirms.
func (e *Engine) Pause(ctx context.Context, id string) error {
	const op = "pause"
	if _, err := e.expect(op, id, StatusInProgress); err != nil {
		return err
	}

	callCtx, stop := e.callContext(ctx)
	err := e.client.PauseRemote(callCtx, id)
	stop()
	if err != nil {
		return transportError(op, id, err)
	}

	var (
		result  error
		stopped *monitor
	)
	found := e.registry.Mutate(id, func(rec *Record) {
		if rec.Status != StatusInProgress {
			result = opError(op, id, ErrInvalidTransition, fmt.Errorf("transfer is %s", rec.Status))
			return
		}
		rec.Status = StatusPaused
		rec.UpdatedAt = e.opts.Now()
		stopped = e.detachMonitorLocked(id, nil)
		e.hub.Publish(eventFromRecord(rec))
	})
	if !found {
		return opError(op, id, ErrNotFound, nil)
	}
	stopped.wait()
	if result == nil {
		e.log.WithFields(logrus.Fields{"function": "Pause", "transfer_id": id}).Info("Transfer paused")
	}
	return result
}

// Resume restarts a Paused transfer once the transport confirms.
func (e *Engine) Resume(ctx context.Context, id string) error {
	const op = "resume"
	if _, err := e.expect(op, id, StatusPaused); err != nil {
		return err
	}

	callCtx, stop := e.callContext(ctx)
	err := e.client.ResumeRemote(callCtx, id)
	stop()
	if err != nil {
		return transportError(op, id, err)
	}

	var result error
	found := e.registry.Mutate(id, func(rec *Record) {
		if rec.Status != StatusPaused {
			result = opError(op, id, ErrInvalidTransition, fmt.Errorf("transfer is %s", rec.Status))
			return
		}
		if !e.startMonitorLocked(id) {
			result = opError(op, id, ErrClosed, nil)
			return
		}
		rec.Status = StatusInProgress
		rec.UpdatedAt = e.opts.Now()
		e.hub.Publish(eventFromRecord(rec))
	})
	if !found {
		return opError(op, id, ErrNotFound, nil)
	}
	if result == nil {
		e.log.WithFields(logrus.Fields{"function": "Resume", "transfer_id": id}).Info("Transfer resumed")
	}
	return result
}

// Cancel aborts an InProgress or Paused transfer and removes it. Cancelling a
// transfer that is already cancelled or terminal reports OutcomeNoop.
func (e *Engine) Cancel(ctx context.Context, id string) (Outcome, error) {
	const op = "cancel"
	if e.closed.Load() {
		return OutcomeNoop, opError(op, id, ErrClosed, nil)
	}

	rec, ok := e.registry.Get(id)
	if !ok {
		if e.isTombstoned(id) {
			return OutcomeNoop, nil
		}
		return OutcomeNoop, opError(op, id, ErrNotFound, nil)
	}
	switch {
	case rec.Status.IsTerminal():
		return OutcomeNoop, nil
	case rec.Status != StatusInProgress && rec.Status != StatusPaused:
		return OutcomeNoop, opError(op, id, ErrInvalidTransition, fmt.Errorf("transfer is %s", rec.Status))
	}

	callCtx, stop := e.callContext(ctx)
	err := e.client.CancelRemote(callCtx, id)
	stop()
	if err != nil {
		return OutcomeNoop, transportError(op, id, err)
	}

	var (
		applied bool
		stopped *monitor
	)
	found := e.registry.Mutate(id, func(rec *Record) {
		if rec.Status != StatusInProgress && rec.Status != StatusPaused {
			return
		}
		rec.Status = StatusCancelled
		rec.UpdatedAt = e.opts.Now()
		stopped = e.detachMonitorLocked(id, nil)
		e.hub.Publish(eventFromRecord(rec))
		applied = true
	})
	if !found || !applied {
		return OutcomeNoop, nil
	}

	stopped.wait()
	e.tombstone(id)
	e.registry.Remove(id)
	e.log.WithFields(logrus.Fields{"function": "Cancel", "transfer_id": id}).Info("Transfer cancelled")
	return OutcomeApplied, nil
}

// Acknowledge removes a terminal record once the caller has read its result.
func (e *Engine) Acknowledge(id string) error {
	const op = "acknowledge"
	rec, ok := e.registry.Get(id)
	if !ok {
		return opError(op, id, ErrNotFound, nil)
	}
	if !rec.Status.IsTerminal() {
		return opError(op, id, ErrInvalidTransition, fmt.Errorf("transfer is %s", rec.Status))
	}
	e.registry.Remove(id)
	return nil
}

// Shutdown stops every monitor, fails transfers that have not finished,
// publishes their final events and closes the notifier. Subscribers still
// delivering when ctx ends are abandoned. Control operations return ErrClosed
// afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	var waitErr error
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)

		e.monMu.Lock()
		e.stopping = true
		active := len(e.monitors)
		e.monitors = make(map[string]*monitor)
		e.monMu.Unlock()

		e.cancel()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("wait for monitors: %w", ctx.Err())
		}

		failed := 0
		for _, snapshot := range e.registry.List() {
			e.registry.Mutate(snapshot.ID, func(rec *Record) {
				if rec.Status.IsTerminal() {
					return
				}
				rec.Status = StatusFailed
				rec.Err = shutdownReason
				rec.UpdatedAt = e.opts.Now()
				e.hub.Publish(eventFromRecord(rec))
				failed++
			})
		}
		if err := e.hub.Close(ctx); err != nil {
			waitErr = errors.Join(waitErr, err)
		}

		e.log.WithFields(logrus.Fields{
			"function":         "Shutdown",
			"active_monitors":  active,
			"failed_transfers": failed,
		}).Info("Transfer engine stopped")
	})
	return waitErr
}

// expect checks that id exists and is in want before a transport call.
func (e *Engine) expect(op, id string, want Status) (Record, error) {
	if e.closed.Load() {
		return Record{}, opError(op, id, ErrClosed, nil)
	}
	rec, ok := e.registry.Get(id)
	if !ok {
		return Record{}, opError(op, id, ErrNotFound, nil)
	}
	if rec.Status != want {
		return rec, opError(op, id, ErrInvalidTransition, fmt.Errorf("transfer is %s", rec.Status))
	}
	return rec, nil
}

// callContext derives a context for a transport call that ends when either
// the caller's context or the engine is done.
func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(e.ctx, cancel)
	return callCtx, func() {
		unregister()
		cancel()
	}
}

func (e *Engine) tombstone(id string) {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()

	if _, ok := e.tombstones[id]; ok {
		return
	}
	e.tombstones[id] = struct{}{}
	e.tombOrder = append(e.tombOrder, id)
	for len(e.tombOrder) > e.opts.TombstoneLimit {
		delete(e.tombstones, e.tombOrder[0])
		e.tombOrder = e.tombOrder[1:]
	}
}

func (e *Engine) isTombstoned(id string) bool {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	_, ok := e.tombstones[id]
	return ok
}

func applyCallOptions(opts []CallOption) callOptions {
	var call callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}
	return call
}

func inspectSource(path string) (int64, error) {
	if path == "" {
		return 0, errors.New("empty source path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("source %q is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	_ = f.Close()
	return info.Size(), nil
}

func inspectDestination(savePath string) error {
	if savePath == "" {
		return errors.New("empty destination path")
	}
	if info, err := os.Stat(savePath); err == nil && info.IsDir() {
		return fmt.Errorf("destination %q is a directory", savePath)
	}
	dir := filepath.Dir(savePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat destination directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination parent %q is not a directory", dir)
	}
	return nil
}
