package transfer

import "time"

// Record is the engine's view of one transfer. Values handed out by the
// registry are copies; mutating them has no effect on engine state.
type Record struct {
	ID               string
	LocalPath        string
	PeerID           string
	Direction        Direction
	TotalSize        int64
	BytesTransferred int64
	Status           Status
	Err              string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Percentage returns completion in the range [0, 100]. An empty transfer
// reports 0 until it completes.
func (r Record) Percentage() float64 {
	return percentage(r.BytesTransferred, r.TotalSize, r.Status)
}

// Event is published to subscribers whenever a transfer's state is committed.
type Event struct {
	TransferID       string
	PeerID           string
	Direction        Direction
	BytesTransferred int64
	TotalSize        int64
	Status           Status
	Err              string
	At               time.Time
}

// Percentage returns completion in the range [0, 100].
func (e Event) Percentage() float64 {
	return percentage(e.BytesTransferred, e.TotalSize, e.Status)
}

func eventFromRecord(rec *Record) Event {
	return Event{
		TransferID:       rec.ID,
		PeerID:           rec.PeerID,
		Direction:        rec.Direction,
		BytesTransferred: rec.BytesTransferred,
		TotalSize:        rec.TotalSize,
		Status:           rec.Status,
		Err:              rec.Err,
		At:               rec.UpdatedAt,
	}
}

func percentage(done, total int64, status Status) float64 {
	if total <= 0 {
		if status == StatusCompleted {
			return 100
		}
		return 0
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
