// Package notify fans events out to any number of subscribers without letting
// a slow or failing subscriber hold up the publisher or its peers.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultBuffer is the per-subscriber queue length used when Options.Buffer is unset.
const DefaultBuffer = 256

// Token identifies one subscription.
type Token uint64

// Options configures a Hub.
type Options struct {
	// Buffer bounds each subscriber's pending queue. When full, the oldest
	// pending event is evicted to make room.
	Buffer int
	Logger *logrus.Entry
}

// Hub is a multi-subscriber publisher. Each subscriber has its own queue and
// goroutine; Publish never blocks on delivery.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[Token]*subscriber[T]
	next   Token
	buffer int
	closed bool
	log    *logrus.Entry
	wg     sync.WaitGroup
}

type subscriber[T any] struct {
	token   Token
	handler func(T)

	mu      sync.Mutex
	queue   []T
	flush   bool
	wake    chan struct{}
	quit    chan struct{}
	dropped atomic.Uint64
}

// New returns a ready Hub.
func New[T any](opts Options) *Hub[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	log := opts.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = logrus.NewEntry(discard)
	}
	return &Hub[T]{
		subs:   make(map[Token]*subscriber[T]),
		buffer: opts.Buffer,
		log:    log.WithField("component", "notify"),
	}
}

// Subscribe registers handler and returns its token. Handlers run on a
// dedicated goroutine, one event at a time, in publish order. Subscribing to
// a closed hub returns a token that never receives anything.
func (h *Hub[T]) Subscribe(handler func(T)) Token {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	token := h.next
	if h.closed || handler == nil {
		return token
	}

	sub := &subscriber[T]{
		token:   token,
		handler: handler,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	h.subs[token] = sub
	h.wg.Add(1)
	go h.run(sub)
	return token
}

// Unsubscribe stops delivery to token. Pending events are discarded. It is
// safe to call from inside the subscriber's own handler.
func (h *Hub[T]) Unsubscribe(token Token) bool {
	h.mu.Lock()
	sub, ok := h.subs[token]
	if ok {
		delete(h.subs, token)
	}
	h.mu.Unlock()

	if ok {
		close(sub.quit)
	}
	return ok
}

// Publish enqueues event for every subscriber and returns immediately.
func (h *Hub[T]) Publish(event T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if evicted := sub.enqueue(event, h.buffer); evicted {
			total := sub.dropped.Add(1)
			if total == 1 || total%100 == 0 {
				h.log.WithFields(logrus.Fields{
					"function":     "Publish",
					"subscription": uint64(sub.token),
					"dropped":      total,
				}).Warn("Subscriber queue full, dropping oldest event")
			}
		}
	}
}

// Close delivers whatever is already queued, stops every subscriber and waits
// for their goroutines until ctx is done. Subscribers still running at that
// point are abandoned and Close returns the context error. Later publishes are
// ignored. Close must not be called from inside a handler.
func (h *Hub[T]) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[Token]*subscriber[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.flush = true
		sub.mu.Unlock()
		close(sub.quit)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.log.WithFields(logrus.Fields{
			"function":    "Close",
			"subscribers": len(subs),
		}).Warn("Abandoning subscribers that did not finish in time")
		return fmt.Errorf("wait for subscribers: %w", ctx.Err())
	}
}

// Len returns the number of active subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were evicted from token's queue.
func (h *Hub[T]) Dropped(token Token) uint64 {
	h.mu.Lock()
	sub, ok := h.subs[token]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return sub.dropped.Load()
}

func (h *Hub[T]) run(sub *subscriber[T]) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.wake:
			for {
				event, ok := sub.dequeue()
				if !ok {
					break
				}
				select {
				case <-sub.quit:
					if !sub.flushing() {
						return
					}
				default:
				}
				h.deliver(sub, event)
			}
		case <-sub.quit:
			if sub.flushing() {
				for {
					event, ok := sub.dequeue()
					if !ok {
						break
					}
					h.deliver(sub, event)
				}
			}
			return
		}
	}
}

func (h *Hub[T]) deliver(sub *subscriber[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{
				"function":     "deliver",
				"subscription": uint64(sub.token),
				"panic":        r,
			}).Error("Subscriber handler panicked")
		}
	}()
	sub.handler(event)
}

func (s *subscriber[T]) enqueue(event T, limit int) bool {
	s.mu.Lock()
	evicted := false
	if len(s.queue) >= limit {
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		evicted = true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return evicted
}

func (s *subscriber[T]) dequeue() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	event := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return event, true
}

func (s *subscriber[T]) flushing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}
