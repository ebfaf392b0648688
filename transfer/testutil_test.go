package transfer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerxfer/transfer"
)

const testInterval = 5 * time.Millisecond

// scriptedClient is a transport whose progress answers come from a per-id
// script. Once a script is exhausted its last value repeats.
type scriptedClient struct {
	mu       sync.Mutex
	scripts  map[string][]sample
	queries  map[string]int
	cancels  map[string]int
	total    int64
	faults   chan transfer.Fault
	pauseErr error
}

type sample struct {
	bytes int64
	err   error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		scripts: make(map[string][]sample),
		queries: make(map[string]int),
		cancels: make(map[string]int),
	}
}

func (c *scriptedClient) script(id string, samples ...sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[id] = samples
}

func bytesOf(values ...int64) []sample {
	out := make([]sample, 0, len(values))
	for _, v := range values {
		out = append(out, sample{bytes: v})
	}
	return out
}

func (c *scriptedClient) RequestTransfer(context.Context, transfer.Request) error {
	return nil
}

func (c *scriptedClient) AcceptTransfer(context.Context, string, string) (int64, error) {
	return c.total, nil
}

func (c *scriptedClient) QueryProgress(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries[id]++
	samples := c.scripts[id]
	if len(samples) == 0 {
		return 0, nil
	}
	next := samples[0]
	if len(samples) > 1 {
		c.scripts[id] = samples[1:]
	}
	return next.bytes, next.err
}

func (c *scriptedClient) PauseRemote(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseErr
}

func (c *scriptedClient) ResumeRemote(context.Context, string) error { return nil }

func (c *scriptedClient) CancelRemote(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id]++
	return nil
}

func (c *scriptedClient) queryCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[id]
}

func (c *scriptedClient) cancelCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels[id]
}

// faultingClient adds a push fault channel to scriptedClient.
type faultingClient struct {
	*scriptedClient
}

func (c faultingClient) Faults() <-chan transfer.Fault {
	return c.faults
}

// stallingClient blocks every progress query until the monitor gives up on it.
type stallingClient struct {
	*scriptedClient
	stalled chan struct{}
}

func (c stallingClient) QueryProgress(ctx context.Context, _ string) (int64, error) {
	select {
	case c.stalled <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestEngine(t *testing.T, client transfer.Client) *transfer.Engine {
	t.Helper()

	engine := transfer.NewEngine(client, transfer.EngineOptions{MonitorInterval: testInterval})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []transfer.Event
}

func subscribe(engine *transfer.Engine) *eventLog {
	log := &eventLog{}
	engine.Subscribe(func(ev transfer.Event) {
		log.mu.Lock()
		log.events = append(log.events, ev)
		log.mu.Unlock()
	})
	return log
}

func (l *eventLog) forID(id string) []transfer.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []transfer.Event
	for _, ev := range l.events {
		if ev.TransferID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) last(id string) (transfer.Event, bool) {
	events := l.forID(id)
	if len(events) == 0 {
		return transfer.Event{}, false
	}
	return events[len(events)-1], true
}

func (l *eventLog) waitForStatus(t *testing.T, id string, status transfer.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		ev, ok := l.last(id)
		return ok && ev.Status == status
	}, 2*time.Second, time.Millisecond, "waiting for %s to reach %s", id, status)
}
