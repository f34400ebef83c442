package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
)

const campaignColumns = "id, name, goal_cents, raised_cents, created_at, updated_at"

// CreateCampaign inserts campaign unless the id exists.
func (s *Store) CreateCampaign(ctx context.Context, campaign domain.Campaign) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	campaign.ID = strings.TrimSpace(campaign.ID)
	if campaign.ID == "" {
		return false, fmt.Errorf("campaign id is required")
	}
	if campaign.RaisedCents < 0 {
		return false, fmt.Errorf("raised total must not be negative")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO campaigns (id, name, goal_cents, raised_cents, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`,
		campaign.ID,
		campaign.Name,
		campaign.GoalCents,
		campaign.RaisedCents,
		sqlitestore.ToMillis(campaign.CreatedAt),
		sqlitestore.ToMillis(campaign.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create campaign: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create campaign rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetCampaign returns the campaign with id.
func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return domain.Campaign{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Campaign{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Campaign{}, fmt.Errorf("campaign id is required")
	}
	return getCampaign(ctx, s.sqlDB, id)
}

// ListCampaigns returns every campaign ordered by id.
func (s *Store) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+campaignColumns+" FROM campaigns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := make([]domain.Campaign, 0)
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return campaigns, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCampaign(ctx context.Context, q queryRower, id string) (domain.Campaign, error) {
	campaign, err := scanCampaign(q.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, storage.ErrNotFound
	}
	return campaign, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var campaign domain.Campaign
	var createdAt, updatedAt int64
	if err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaign.GoalCents,
		&campaign.RaisedCents,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Campaign{}, err
		}
		return domain.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	campaign.CreatedAt = sqlitestore.FromMillis(createdAt)
	campaign.UpdatedAt = sqlitestore.FromMillis(updatedAt)
	return campaign, nil
}
