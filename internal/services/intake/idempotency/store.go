// Package idempotency defines the time-bounded store that makes repeated
// donation submissions safe.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle of one key.
type State string

const (
	// StatePending marks a key whose first request is still being processed.
	StatePending State = "pending"
	// StateCompleted marks a key whose response is fixed.
	StateCompleted State = "completed"
)

// DefaultPendingTimeout bounds how long a reservation blocks retries before it
// is treated as abandoned by a crashed request.
const DefaultPendingTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when the key has no entry.
	ErrNotFound = errors.New("idempotency entry not found")
	// ErrFingerprintMismatch is returned when a key is reused for a
	// different request.
	ErrFingerprintMismatch = errors.New("idempotency key reused with a different request")
	// ErrNotPending is returned when completing a key that is not reserved by
	// the caller.
	ErrNotPending = errors.New("idempotency entry is not pending")
)

// Entry is the stored record for one key.
type Entry struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists idempotency entries. Implementations must make Reserve
// atomic per key.
type Store interface {
	// Reserve creates a pending entry for key. It returns reserved=false with
	// the existing entry when the key is already pending or completed, and
	// ErrFingerprintMismatch when the existing entry belongs to a different
	// request.
	Reserve(ctx context.Context, key, fingerprint string, now time.Time) (Entry, bool, error)
	// Complete stores the response of the pending reservation created at
	// reservedAt. It returns ErrNotPending when the key is completed, missing
	// or reserved again by another request. A completed response is never
	// overwritten.
	Complete(ctx context.Context, key string, reservedAt time.Time, response []byte, now time.Time) error
	// Release drops the pending reservation created at reservedAt so the
	// request can be retried. Any other entry is left alone.
	Release(ctx context.Context, key string, reservedAt time.Time) error
	Get(ctx context.Context, key string) (Entry, error)
	// Sweep deletes entries created before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Decide applies the reservation rules to an existing entry (nil when the key
// is unused). It reports whether the caller may take the reservation.
func Decide(existing *Entry, fingerprint string, now time.Time, pendingTimeout time.Duration) (bool, error) {
	if existing == nil {
		return true, nil
	}
	if existing.State == StatePending && pendingTimeout > 0 && now.Sub(existing.UpdatedAt) >= pendingTimeout {
		return true, nil
	}
	if existing.Fingerprint != fingerprint {
		return false, ErrFingerprintMismatch
	}
	return false, nil
}

// HeldBy reports whether e is the pending reservation created at reservedAt.
// Reservation times compare at millisecond precision, the finest every backend
// stores.
func (e Entry) HeldBy(reservedAt time.Time) bool {
	return e.State == StatePending && e.CreatedAt.UnixMilli() == reservedAt.UnixMilli()
}

// NewPending returns the entry written by a successful reservation.
func NewPending(key, fingerprint string, now time.Time) Entry {
	now = now.UTC()
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
