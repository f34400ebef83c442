package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/services/intake/idempotency"
	"github.com/louisbranch/donations/internal/services/intake/idempotency/storetest"
)

func openTestStore(t *testing.T) idempotency.Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "idempotency.db"), storetest.PendingTimeout)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openTestStore)
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" ", 0); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "idempotency.db")
	store, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := t.Context()
	if _, _, err := store.Reserve(ctx, "k1", "fp", storeTime); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "k1", storeTime, []byte("receipt"), storeTime); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entry, err := reopened.Get(ctx, "k1")
	if err != nil || string(entry.Response) != "receipt" {
		t.Fatalf("entry after reopen = %+v, %v", entry, err)
	}
}

var storeTime = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
