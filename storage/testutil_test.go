package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertTransfer(t *testing.T, store *Store, row Transfer) {
	t.Helper()

	if err := store.UpsertTransfer(row); err != nil {
		t.Fatalf("upsert transfer %q: %v", row.TransferID, err)
	}
}
