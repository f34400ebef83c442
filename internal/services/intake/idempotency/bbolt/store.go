// Package bbolt stores idempotency entries in a local BoltDB file.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/services/intake/idempotency"
	"go.etcd.io/bbolt"
)

const entryBucket = "idempotency"

// Store provides a BoltDB-backed idempotency store for a single instance.
type Store struct {
	db             *bbolt.DB
	pendingTimeout time.Duration
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string, pendingTimeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	if pendingTimeout <= 0 {
		pendingTimeout = idempotency.DefaultPendingTimeout
	}

	store := &Store{db: db, pendingTimeout: pendingTimeout}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve claims key inside a single write transaction.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string, now time.Time) (idempotency.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Entry{}, false, err
	}
	if s == nil || s.db == nil {
		return idempotency.Entry{}, false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return idempotency.Entry{}, false, fmt.Errorf("idempotency key is required")
	}

	var (
		result   idempotency.Entry
		reserved bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		existing, err := load(bucket, key)
		if err != nil {
			return err
		}
		ok, err := idempotency.Decide(existing, fingerprint, now, s.pendingTimeout)
		if err != nil {
			result = *existing
			return err
		}
		if !ok {
			result = *existing
			return nil
		}
		result = idempotency.NewPending(key, fingerprint, now)
		reserved = true
		return save(bucket, result)
	})
	if err != nil {
		return result, false, err
	}
	return result, reserved, nil
}

// Complete stores response when key is still the caller's reservation.
func (s *Store) Complete(ctx context.Context, key string, reservedAt time.Time, response []byte, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		existing, err := load(bucket, key)
		if err != nil {
			return err
		}
		if existing == nil || !existing.HeldBy(reservedAt) {
			return idempotency.ErrNotPending
		}
		existing.State = idempotency.StateCompleted
		existing.Response = append([]byte(nil), response...)
		existing.UpdatedAt = now.UTC()
		return save(bucket, *existing)
	})
}

// Release deletes key when it is still the caller's reservation.
func (s *Store) Release(ctx context.Context, key string, reservedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		existing, err := load(bucket, key)
		if err != nil || existing == nil || !existing.HeldBy(reservedAt) {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

// Get fetches the entry for key.
func (s *Store) Get(ctx context.Context, key string) (idempotency.Entry, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Entry{}, err
	}
	if s == nil || s.db == nil {
		return idempotency.Entry{}, fmt.Errorf("storage is not configured")
	}
	var entry idempotency.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		existing, err := load(bucket, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return idempotency.ErrNotFound
		}
		entry = *existing
		return nil
	})
	return entry, err
}

// Sweep deletes entries created before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		var stale [][]byte
		err = bucket.ForEach(func(k, v []byte) error {
			var entry idempotency.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal entry %q: %w", k, err)
			}
			if entry.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("delete entry %q: %w", k, err)
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entryBucket)); err != nil {
			return fmt.Errorf("create idempotency bucket: %w", err)
		}
		return nil
	})
}

func entries(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(entryBucket))
	if bucket == nil {
		return nil, fmt.Errorf("idempotency bucket is missing")
	}
	return bucket, nil
}

func load(bucket *bbolt.Bucket, key string) (*idempotency.Entry, error) {
	payload := bucket.Get([]byte(key))
	if payload == nil {
		return nil, nil
	}
	var entry idempotency.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

func save(bucket *bbolt.Bucket, entry idempotency.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return bucket.Put([]byte(entry.Key), payload)
}

var _ idempotency.Store = (*Store)(nil)
