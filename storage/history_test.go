package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerxfer/transfer"
)

type recordMap map[string]transfer.Record

func (m recordMap) Get(id string) (transfer.Record, error) {
	rec, ok := m[id]
	if !ok {
		return transfer.Record{}, errors.New("gone")
	}
	return rec, nil
}

func TestHistoryRecorderPersistsEvents(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)

	created := time.UnixMilli(1_000)
	live := recordMap{"t1": {
		ID:        "t1",
		LocalPath: "/data/report.pdf",
		PeerID:    "peer-1",
		Direction: transfer.DirectionSend,
		TotalSize: 1000,
		Status:    transfer.StatusInProgress,
		CreatedAt: created,
		UpdatedAt: created,
	}}
	recorder := NewHistoryRecorder(store, live)

	recorder.Handle(transfer.Event{
		TransferID:       "t1",
		PeerID:           "peer-1",
		Direction:        transfer.DirectionSend,
		BytesTransferred: 300,
		TotalSize:        1000,
		Status:           transfer.StatusInProgress,
		At:               time.UnixMilli(2_000),
	})

	// Once the engine forgets the record the row keeps what it already knew.
	delete(live, "t1")
	recorder.Handle(transfer.Event{
		TransferID:       "t1",
		PeerID:           "peer-1",
		Direction:        transfer.DirectionSend,
		BytesTransferred: 300,
		TotalSize:        1000,
		Status:           transfer.StatusCancelled,
		At:               time.UnixMilli(3_000),
	})

	got, err := store.GetTransfer("t1")
	req.NoError(err)
	req.Equal("/data/report.pdf", got.LocalPath)
	req.Equal("cancelled", got.Status)
	req.Equal(int64(300), got.BytesTransferred)
	req.Equal(created.UnixMilli(), got.CreatedAt)
	req.Equal(int64(3_000), got.UpdatedAt)
}

func TestHistoryRecorderSaveRecord(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	recorder := NewHistoryRecorder(store, nil)

	now := time.UnixMilli(5_000)
	req.NoError(recorder.Save(transfer.Record{
		ID:        "t2",
		LocalPath: "/downloads/photo.jpg",
		PeerID:    "peer-2",
		Direction: transfer.DirectionReceive,
		TotalSize: 42,
		Status:    transfer.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	got, err := store.GetTransfer("t2")
	req.NoError(err)
	req.Equal("receive", got.Direction)
	req.Equal("in_progress", got.Status)
	req.Equal(int64(42), got.TotalSize)
}

func TestHistoryRecorderLateSaveKeepsFinishedStatus(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	recorder := NewHistoryRecorder(store, nil)

	started := time.UnixMilli(1_000)
	recorder.Handle(transfer.Event{
		TransferID:       "t3",
		PeerID:           "peer-3",
		Direction:        transfer.DirectionSend,
		BytesTransferred: 10,
		TotalSize:        10,
		Status:           transfer.StatusCompleted,
		At:               time.UnixMilli(2_000),
	})
	req.NoError(recorder.Save(transfer.Record{
		ID:        "t3",
		LocalPath: "/data/notes.txt",
		PeerID:    "peer-3",
		Direction: transfer.DirectionSend,
		TotalSize: 10,
		Status:    transfer.StatusInProgress,
		CreatedAt: started,
		UpdatedAt: started,
	}))

	got, err := store.GetTransfer("t3")
	req.NoError(err)
	req.Equal("completed", got.Status)
	req.Equal(int64(10), got.BytesTransferred)
	req.Equal("/data/notes.txt", got.LocalPath)
}
