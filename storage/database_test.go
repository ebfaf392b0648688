package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"transfers",
		"peers",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestReopenKeepsRowsAndSkipsAppliedMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.UpsertPeer(Peer{DeviceID: "peer-1", DeviceName: "Laptop"}); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	peer, err := reopened.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer after reopen failed: %v", err)
	}
	if peer.DeviceName != "Laptop" {
		t.Fatalf("unexpected device name after reopen: %q", peer.DeviceName)
	}
}

func TestSetHistoryRetentionPrunesFinishedTransfers(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	mustUpsertTransfer(t, store, Transfer{
		TransferID: "old-done", Direction: "send", Status: "completed", CreatedAt: old, UpdatedAt: old,
	})
	mustUpsertTransfer(t, store, Transfer{
		TransferID: "old-paused", Direction: "receive", Status: "paused", CreatedAt: old, UpdatedAt: old,
	})
	recent := time.Now().UnixMilli()
	mustUpsertTransfer(t, store, Transfer{
		TransferID: "recent-done", Direction: "send", Status: "failed", CreatedAt: recent, UpdatedAt: recent,
	})

	store.SetHistoryRetention(24 * time.Hour)

	if _, err := store.GetTransfer("old-done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old finished transfer to be pruned, got %v", err)
	}
	for _, id := range []string{"old-paused", "recent-done"} {
		if _, err := store.GetTransfer(id); err != nil {
			t.Fatalf("expected %q to be kept: %v", id, err)
		}
	}
}
