package storage

import (
	"github.com/sirupsen/logrus"

	"peerxfer/transfer"
)

// RecordSource looks up live records; *transfer.Engine satisfies it.
type RecordSource interface {
	Get(id string) (transfer.Record, error)
}

// HistoryRecorder persists engine events as transfer rows.
type HistoryRecorder struct {
	store  *Store
	source RecordSource
	log    *logrus.Entry
}

// NewHistoryRecorder returns a recorder writing to store. source may be nil;
// when set it fills in the fields events do not carry.
func NewHistoryRecorder(store *Store, source RecordSource) *HistoryRecorder {
	return &HistoryRecorder{
		store:  store,
		source: source,
		log:    store.log.WithField("function", "HistoryRecorder"),
	}
}

// Handle is a notifier subscriber.
func (h *HistoryRecorder) Handle(ev transfer.Event) {
	row := TransferFromEvent(ev)
	if h.source != nil {
		if rec, err := h.source.Get(ev.TransferID); err == nil {
			row.LocalPath = rec.LocalPath
			row.CreatedAt = rec.CreatedAt.UnixMilli()
		}
	}

	if err := h.store.UpsertTransfer(row); err != nil {
		h.log.WithFields(logrus.Fields{
			"transfer_id": ev.TransferID,
			"status":      ev.Status.String(),
		}).WithError(err).Warn("Failed to persist transfer event")
	}
}

// Save persists a full record, for example right after Initiate or Accept
// when no event has been published yet.
func (h *HistoryRecorder) Save(rec transfer.Record) error {
	return h.store.UpsertTransfer(TransferFromRecord(rec))
}
