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

func mustLogPairing(t *testing.T, store *Store, event PairingEvent) {
	t.Helper()

	if err := store.LogPairingEvent(event); err != nil {
		t.Fatalf("log pairing event for %q: %v", event.EndpointID, err)
	}
}
