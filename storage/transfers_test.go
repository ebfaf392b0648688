package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertTransferKeepsPathAndCreationTime(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{
		TransferID:   "t1",
		Direction:    "send",
		PeerDeviceID: "peer-1",
		LocalPath:    "/tmp/report.pdf",
		TotalSize:    1000,
		Status:       "initiating",
		CreatedAt:    100,
		UpdatedAt:    100,
	})
	mustUpsertTransfer(t, store, Transfer{
		TransferID:       "t1",
		Direction:        "send",
		TotalSize:        1000,
		BytesTransferred: 300,
		Status:           "in_progress",
		CreatedAt:        200,
		UpdatedAt:        200,
	})

	got, err := store.GetTransfer("t1")
	req.NoError(err)
	req.Equal("/tmp/report.pdf", got.LocalPath)
	req.Equal("peer-1", got.PeerDeviceID)
	req.Equal(int64(100), got.CreatedAt)
	req.Equal(int64(200), got.UpdatedAt)
	req.Equal(int64(300), got.BytesTransferred)
	req.Equal("in_progress", got.Status)
}

func TestUpsertTransferNeverRewindsBytes(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{TransferID: "t1", Direction: "receive", TotalSize: 10, BytesTransferred: 7, Status: "in_progress"})
	mustUpsertTransfer(t, store, Transfer{TransferID: "t1", Direction: "receive", TotalSize: 10, BytesTransferred: 3, Status: "paused"})

	got, err := store.GetTransfer("t1")
	req.NoError(err)
	req.Equal(int64(7), got.BytesTransferred)
	req.Equal("paused", got.Status)
}

func TestUpsertTransferNeverReopensFinishedRow(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{TransferID: "t1", Direction: "send", TotalSize: 10, BytesTransferred: 10, Status: "completed", UpdatedAt: 20})
	mustUpsertTransfer(t, store, Transfer{TransferID: "t1", Direction: "send", TotalSize: 10, BytesTransferred: 0, Status: "in_progress", UpdatedAt: 10})

	got, err := store.GetTransfer("t1")
	req.NoError(err)
	req.Equal("completed", got.Status)
	req.Equal(int64(10), got.BytesTransferred)
	req.Equal(int64(20), got.UpdatedAt)

	mustUpsertTransfer(t, store, Transfer{TransferID: "t1", Direction: "send", TotalSize: 10, BytesTransferred: 10, Status: "failed", Error: "disk full", UpdatedAt: 30})
	got, err = store.GetTransfer("t1")
	req.NoError(err)
	req.Equal("failed", got.Status)
	req.Equal("disk full", got.Error)
}

func TestUpsertTransferValidates(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	req.Error(store.UpsertTransfer(Transfer{Direction: "send", Status: "completed"}))
	req.Error(store.UpsertTransfer(Transfer{TransferID: "x", Direction: "sideways", Status: "completed"}))
	req.Error(store.UpsertTransfer(Transfer{TransferID: "x", Direction: "send", Status: "done"}))
}

func TestGetTransferMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTransfer("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTransfersFilters(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{TransferID: "a", Direction: "send", PeerDeviceID: "p1", Status: "completed", UpdatedAt: 10})
	mustUpsertTransfer(t, store, Transfer{TransferID: "b", Direction: "receive", PeerDeviceID: "p1", Status: "failed", UpdatedAt: 20})
	mustUpsertTransfer(t, store, Transfer{TransferID: "c", Direction: "send", PeerDeviceID: "p2", Status: "in_progress", UpdatedAt: 30})

	all, err := store.ListTransfers(TransferFilter{})
	req.NoError(err)
	req.Equal([]string{"c", "b", "a"}, transferIDs(all))

	byPeer, err := store.ListTransfers(TransferFilter{PeerDeviceID: "p1"})
	req.NoError(err)
	req.Equal([]string{"b", "a"}, transferIDs(byPeer))

	sends, err := store.ListTransfers(TransferFilter{Direction: "send"})
	req.NoError(err)
	req.Equal([]string{"c", "a"}, transferIDs(sends))

	finished, err := store.ListTransfers(TransferFilter{Statuses: []string{"completed", "failed", "completed"}})
	req.NoError(err)
	req.Equal([]string{"b", "a"}, transferIDs(finished))

	page, err := store.ListTransfers(TransferFilter{Limit: 1, Offset: 1})
	req.NoError(err)
	req.Equal([]string{"b"}, transferIDs(page))

	_, err = store.ListTransfers(TransferFilter{Statuses: []string{"bogus"}})
	req.Error(err)
}

func TestDeleteTransfersOlderThanSkipsActive(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{TransferID: "old-done", Direction: "send", Status: "completed", UpdatedAt: 10})
	mustUpsertTransfer(t, store, Transfer{TransferID: "old-active", Direction: "send", Status: "paused", UpdatedAt: 10})
	mustUpsertTransfer(t, store, Transfer{TransferID: "new-done", Direction: "send", Status: "cancelled", UpdatedAt: 1000})

	removed, err := store.DeleteTransfersOlderThan(500)
	req.NoError(err)
	req.Equal(int64(1), removed)

	remaining, err := store.ListTransfers(TransferFilter{})
	req.NoError(err)
	req.ElementsMatch([]string{"old-active", "new-done"}, transferIDs(remaining))

	_, err = store.DeleteTransfersOlderThan(0)
	req.Error(err)
}

func TestMarkInterruptedFailsActiveRows(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	mustUpsertTransfer(t, store, Transfer{TransferID: "a", Direction: "send", Status: "in_progress"})
	mustUpsertTransfer(t, store, Transfer{TransferID: "b", Direction: "send", Status: "completed"})

	n, err := store.MarkInterrupted("process exited")
	req.NoError(err)
	req.Equal(int64(1), n)

	got, err := store.GetTransfer("a")
	req.NoError(err)
	req.Equal("failed", got.Status)
	req.Equal("process exited", got.Error)
}

func TestOpenPrunesExpiredHistory(t *testing.T) {
	req := require.New(t)
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	req.NoError(err)
	stale := time.Now().Add(-2 * DefaultHistoryRetention).UnixMilli()
	mustUpsertTransfer(t, store, Transfer{TransferID: "stale", Direction: "send", Status: "completed", CreatedAt: stale, UpdatedAt: stale})
	req.NoError(store.Close())

	reopened, _, err := Open(dataDir)
	req.NoError(err)
	defer func() {
		_ = reopened.Close()
	}()

	_, err = reopened.GetTransfer("stale")
	req.ErrorIs(err, ErrNotFound)
}

func transferIDs(rows []Transfer) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.TransferID)
	}
	return ids
}
