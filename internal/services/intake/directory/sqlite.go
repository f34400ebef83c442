// Package directory answers campaign existence checks for intake from the
// aggregator's campaign ledger.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// SQLite reads a read-only handle on the campaign ledger. Campaigns are never
// deleted, so positive answers are cached; misses always hit the database.
type SQLite struct {
	sqlDB *sql.DB
	known *expirable.LRU[string, struct{}]
}

// Open opens the campaign ledger at path read-only.
func Open(ctx context.Context, path string) (*SQLite, error) {
	sqlDB, err := sqlitestore.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open campaign directory: %w", err)
	}
	return New(sqlDB), nil
}

// New wraps an open campaign ledger handle.
func New(sqlDB *sql.DB) *SQLite {
	return &SQLite{
		sqlDB: sqlDB,
		known: expirable.NewLRU[string, struct{}](defaultCacheSize, nil, defaultCacheTTL),
	}
}

// Close releases the database handle.
func (d *SQLite) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// CampaignExists reports whether id names a campaign.
func (d *SQLite) CampaignExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d == nil || d.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	if _, ok := d.known.Get(id); ok {
		return true, nil
	}

	var found int
	err := d.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM campaigns WHERE id = ?", id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup campaign %s: %w", id, err)
	}
	d.known.Add(id, struct{}{})
	return true, nil
}
