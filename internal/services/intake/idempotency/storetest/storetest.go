// Package storetest holds behaviour tests shared by every idempotency.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/services/intake/idempotency"
)

// PendingTimeout is the timeout backends under test must be opened with.
const PendingTimeout = time.Minute

// Run exercises open's store against the shared contract.
func Run(t *testing.T, open func(t *testing.T) idempotency.Store) {
	t.Run("reserve then complete then replay", func(t *testing.T) {
		testReserveCompleteReplay(t, open(t))
	})
	t.Run("fingerprint mismatch", func(t *testing.T) {
		testFingerprintMismatch(t, open(t))
	})
	t.Run("pending blocks until timeout", func(t *testing.T) {
		testPendingTimeout(t, open(t))
	})
	t.Run("release", func(t *testing.T) {
		testRelease(t, open(t))
	})
	t.Run("completed response is never overwritten", func(t *testing.T) {
		testCompleteOnce(t, open(t))
	})
	t.Run("taken over reservation", func(t *testing.T) {
		testTakenOverReservation(t, open(t))
	})
	t.Run("sweep", func(t *testing.T) {
		testSweep(t, open(t))
	})
	t.Run("concurrent reserve", func(t *testing.T) {
		testConcurrentReserve(t, open(t))
	})
}

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testReserveCompleteReplay(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	entry, reserved, err := store.Reserve(ctx, "k1", "fp", base)
	if err != nil || !reserved {
		t.Fatalf("reserve = %v, %v", reserved, err)
	}
	if entry.State != idempotency.StatePending {
		t.Fatalf("state = %s, want pending", entry.State)
	}
	if err := store.Complete(ctx, "k1", entry.CreatedAt, []byte(`{"donationId":"d1"}`), base.Add(time.Second)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	entry, reserved, err = store.Reserve(ctx, "k1", "fp", base.Add(2*time.Second))
	if err != nil || reserved {
		t.Fatalf("second reserve = %v, %v", reserved, err)
	}
	if entry.State != idempotency.StateCompleted || string(entry.Response) != `{"donationId":"d1"}` {
		t.Fatalf("entry = %+v", entry)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created at = %s, want %s", got.CreatedAt, base)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Fatalf("get missing err = %v", err)
	}
}

func testFingerprintMismatch(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k1", "fp-a", base); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, reserved, err := store.Reserve(ctx, "k1", "fp-b", base.Add(time.Second))
	if !errors.Is(err, idempotency.ErrFingerprintMismatch) || reserved {
		t.Fatalf("reserve with other fingerprint = %v, %v", reserved, err)
	}
}

func testPendingTimeout(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k1", "fp", base); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	entry, reserved, err := store.Reserve(ctx, "k1", "fp", base.Add(PendingTimeout/2))
	if err != nil || reserved || entry.State != idempotency.StatePending {
		t.Fatalf("in-flight reserve = %+v, %v, %v", entry, reserved, err)
	}
	entry, reserved, err = store.Reserve(ctx, "k1", "fp", base.Add(PendingTimeout))
	if err != nil || !reserved {
		t.Fatalf("stale reserve = %v, %v", reserved, err)
	}
	if !entry.CreatedAt.Equal(base.Add(PendingTimeout)) {
		t.Fatalf("stale reservation not renewed: %+v", entry)
	}
}

func testRelease(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k1", "fp", base); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, "k1", base); err != nil {
		t.Fatalf("release: %v", err)
	}
	again := base.Add(time.Second)
	if _, reserved, err := store.Reserve(ctx, "k1", "fp", again); err != nil || !reserved {
		t.Fatalf("reserve after release = %v, %v", reserved, err)
	}
	if err := store.Complete(ctx, "k1", again, []byte("r"), base.Add(2*time.Second)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Release(ctx, "k1", again); err != nil {
		t.Fatalf("release completed: %v", err)
	}
	if entry, err := store.Get(ctx, "k1"); err != nil || entry.State != idempotency.StateCompleted {
		t.Fatalf("release removed a completed entry: %+v, %v", entry, err)
	}
	if err := store.Release(ctx, "unknown", base); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
}

func testCompleteOnce(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k1", "fp", base); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "k1", base, []byte("first"), base); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Complete(ctx, "k1", base, []byte("second"), base); !errors.Is(err, idempotency.ErrNotPending) {
		t.Fatalf("second complete err = %v, want ErrNotPending", err)
	}
	if err := store.Complete(ctx, "missing", base, []byte("x"), base); !errors.Is(err, idempotency.ErrNotPending) {
		t.Fatalf("complete missing err = %v, want ErrNotPending", err)
	}
	entry, err := store.Get(ctx, "k1")
	if err != nil || string(entry.Response) != "first" {
		t.Fatalf("entry = %+v, %v", entry, err)
	}
}

func testTakenOverReservation(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k1", "fp", base); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	later := base.Add(PendingTimeout)
	if _, reserved, err := store.Reserve(ctx, "k1", "fp", later); err != nil || !reserved {
		t.Fatalf("stale reserve = %v, %v", reserved, err)
	}

	// The first holder lost the key and must not touch the new reservation.
	if err := store.Release(ctx, "k1", base); err != nil {
		t.Fatalf("release by old holder: %v", err)
	}
	if err := store.Complete(ctx, "k1", base, []byte("old"), later); !errors.Is(err, idempotency.ErrNotPending) {
		t.Fatalf("complete by old holder err = %v, want ErrNotPending", err)
	}
	entry, err := store.Get(ctx, "k1")
	if err != nil || !entry.HeldBy(later) {
		t.Fatalf("entry after old holder = %+v, %v", entry, err)
	}

	if err := store.Complete(ctx, "k1", later, []byte("new"), later); err != nil {
		t.Fatalf("complete by new holder: %v", err)
	}
	entry, err = store.Get(ctx, "k1")
	if err != nil || string(entry.Response) != "new" {
		t.Fatalf("entry = %+v, %v", entry, err)
	}
}

func testSweep(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	for i, key := range []string{"old-1", "old-2", "new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		if _, _, err := store.Reserve(ctx, key, "fp", at); err != nil {
			t.Fatalf("reserve %s: %v", key, err)
		}
	}
	removed, err := store.Sweep(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := store.Get(ctx, "old-1"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Fatalf("old-1 survived sweep: %v", err)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Fatalf("new entry swept: %v", err)
	}
}

func testConcurrentReserve(t *testing.T, store idempotency.Store) {
	ctx := context.Background()
	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		fails []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := store.Reserve(ctx, "contended", "fp", base)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
			}
			if reserved {
				wins++
			}
		}()
	}
	wg.Wait()
	if len(fails) > 0 {
		t.Fatalf("reserve errors: %v", fails)
	}
	if wins != 1 {
		t.Fatalf("reservations won = %d, want 1", wins)
	}
}
