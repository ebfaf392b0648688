package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerxfer/transfer"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Transfer is the SQLite representation of one transfer record.
type Transfer struct {
	TransferID       string
	Direction        string
	PeerDeviceID     string
	LocalPath        string
	TotalSize        int64
	BytesTransferred int64
	Status           string
	Error            string
	CreatedAt        int64
	UpdatedAt        int64
}

// TransferFilter narrows ListTransfers results. Empty fields match everything.
type TransferFilter struct {
	PeerDeviceID string
	Direction    string
	Statuses     []string
	Limit        int
	Offset       int
}

// Peer is the SQLite representation of a known remote device.
type Peer struct {
	DeviceID          string
	DeviceName        string
	Ed25519PublicKey  string
	KeyFingerprint    string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownAddress  *string
	LastKnownPort     *int
}

// TransferFromRecord converts an engine record to its row form.
func TransferFromRecord(rec transfer.Record) Transfer {
	return Transfer{
		TransferID:       rec.ID,
		Direction:        rec.Direction.String(),
		PeerDeviceID:     rec.PeerID,
		LocalPath:        rec.LocalPath,
		TotalSize:        rec.TotalSize,
		BytesTransferred: rec.BytesTransferred,
		Status:           rec.Status.String(),
		Error:            rec.Err,
		CreatedAt:        rec.CreatedAt.UnixMilli(),
		UpdatedAt:        rec.UpdatedAt.UnixMilli(),
	}
}

// TransferFromEvent converts a progress event to its row form. Path and
// creation time are unknown to events and left for the upsert to keep.
func TransferFromEvent(ev transfer.Event) Transfer {
	return Transfer{
		TransferID:       ev.TransferID,
		Direction:        ev.Direction.String(),
		PeerDeviceID:     ev.PeerID,
		TotalSize:        ev.TotalSize,
		BytesTransferred: ev.BytesTransferred,
		Status:           ev.Status.String(),
		Error:            ev.Err,
		CreatedAt:        ev.At.UnixMilli(),
		UpdatedAt:        ev.At.UnixMilli(),
	}
}

func validateDirection(direction string) error {
	if _, err := transfer.ParseDirection(direction); err != nil {
		return fmt.Errorf("invalid direction %q", direction)
	}
	return nil
}

func validateStatus(status string) error {
	if _, err := transfer.ParseStatus(status); err != nil {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	return nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
