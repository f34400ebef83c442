// Package sqlite implements the campaign ledger on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/louisbranch/donations/internal/eventbus/attemptlog"
	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
	"github.com/louisbranch/donations/internal/services/aggregator/storage/sqlite/migrations"
)

// Store provides SQLite-backed campaign ledger persistence.
type Store struct {
	sqlDB    *sql.DB
	attempts *attemptlog.Log
}

// Open opens the campaign ledger at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitestore.Open(ctx, path, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("open campaign ledger: %w", err)
	}
	return &Store{sqlDB: sqlDB, attempts: attemptlog.New(sqlDB)}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Attempts returns the consumer attempt log kept in the same database.
func (s *Store) Attempts() *attemptlog.Log {
	if s == nil {
		return nil
	}
	return s.attempts
}

var (
	_ storage.CampaignStore = (*Store)(nil)
	_ storage.PaymentStore  = (*Store)(nil)
)
