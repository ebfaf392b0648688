package transfer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryInsertIfAbsentIsAtomic(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if registry.InsertIfAbsent(Record{ID: "same", PeerID: fmt.Sprintf("p%d", n)}) {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	req.Equal(1, inserted)
	req.Equal(1, registry.Len())
}

func TestRegistryReturnsCopies(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	req.True(registry.InsertIfAbsent(Record{ID: "a", Status: StatusInProgress}))

	rec, ok := registry.Get("a")
	req.True(ok)
	rec.Status = StatusFailed

	again, _ := registry.Get("a")
	req.Equal(StatusInProgress, again.Status)
}

func TestRegistryMutateKeepsIDAndReportsPresence(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	req.True(registry.InsertIfAbsent(Record{ID: "a"}))

	req.True(registry.Mutate("a", func(rec *Record) {
		rec.ID = "b"
		rec.BytesTransferred = 10
	}))
	rec, ok := registry.Get("a")
	req.True(ok)
	req.Equal("a", rec.ID)
	req.EqualValues(10, rec.BytesTransferred)

	req.False(registry.Mutate("missing", func(*Record) { req.Fail("mutated a missing record") }))

	removed, ok := registry.Remove("a")
	req.True(ok)
	req.EqualValues(10, removed.BytesTransferred)
	_, ok = registry.Remove("a")
	req.False(ok)
}

func TestRegistryListIsOrderedByCreation(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	registry.InsertIfAbsent(Record{ID: "late", CreatedAt: base.Add(2 * time.Second)})
	registry.InsertIfAbsent(Record{ID: "early", CreatedAt: base})
	registry.InsertIfAbsent(Record{ID: "mid", CreatedAt: base.Add(time.Second)})

	ids := make([]string, 0, 3)
	for _, rec := range registry.List() {
		ids = append(ids, rec.ID)
	}
	req.Equal([]string{"early", "mid", "late"}, ids)
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	req := require.New(t)
	cause := errors.New("connection refused")
	err := transportError("initiate", "t1", cause)

	req.ErrorIs(err, ErrTransportFailure)
	req.ErrorIs(err, cause)
	req.NotErrorIs(err, ErrTransportRejected)
	req.Equal("transfer initiate t1: transfer: transport failure: connection refused", err.Error())

	rejected := transportError("initiate", "t1", fmt.Errorf("busy: %w", ErrTransportRejected))
	req.ErrorIs(rejected, ErrTransportRejected)
	req.Equal("transfer initiate t1: busy: transfer: rejected by peer", rejected.Error())

	req.Equal("transfer cancel x: transfer: not found", opError("cancel", "x", ErrNotFound, nil).Error())
}

func TestStatusNamesRoundTrip(t *testing.T) {
	req := require.New(t)
	for s := StatusInitiating; s <= StatusFailed; s++ {
		parsed, err := ParseStatus(s.String())
		req.NoError(err)
		req.Equal(s, parsed)
	}
	_, err := ParseStatus("bogus")
	req.Error(err)

	req.True(StatusCancelled.IsTerminal())
	req.False(StatusPaused.IsTerminal())
}

func TestPercentage(t *testing.T) {
	req := require.New(t)
	req.InDelta(25.0, Record{BytesTransferred: 250, TotalSize: 1000}.Percentage(), 0.001)
	req.Zero(Record{TotalSize: 0}.Percentage())
	req.InDelta(100.0, Record{Status: StatusCompleted}.Percentage(), 0.001)
}
