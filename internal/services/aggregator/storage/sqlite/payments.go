package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
)

// ApplyPayment adds payment to its campaign total once per donation id.
func (s *Store) ApplyPayment(ctx context.Context, payment domain.Payment, now time.Time) (storage.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.ApplyResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ApplyResult{}, fmt.Errorf("storage is not configured")
	}
	if payment.DonationID == "" {
		return storage.ApplyResult{}, fmt.Errorf("donation id is required")
	}
	if payment.CampaignID == "" {
		return storage.ApplyResult{}, fmt.Errorf("campaign id is required")
	}
	if payment.AmountCents <= 0 {
		return storage.ApplyResult{}, fmt.Errorf("payment amount must be positive")
	}
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("start apply transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var appliedTo string
	err = tx.QueryRowContext(ctx, "SELECT campaign_id FROM applied_payments WHERE donation_id = ?", payment.DonationID).Scan(&appliedTo)
	switch {
	case err == nil:
		campaign, err := getCampaign(ctx, tx, appliedTo)
		if err != nil {
			return storage.ApplyResult{}, fmt.Errorf("load applied campaign: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return storage.ApplyResult{}, fmt.Errorf("commit apply transaction: %w", err)
		}
		return storage.ApplyResult{Campaign: campaign, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return storage.ApplyResult{}, fmt.Errorf("check applied payment: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE campaigns
SET raised_cents = raised_cents + ?, updated_at = ?
WHERE id = ?
`, payment.AmountCents, sqlitestore.ToMillis(now), payment.CampaignID)
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("increment campaign total: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("increment campaign total rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ApplyResult{}, storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO applied_payments (donation_id, event_id, campaign_id, amount_cents, settled_at, applied_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		payment.DonationID,
		payment.EventID,
		payment.CampaignID,
		payment.AmountCents,
		sqlitestore.ToMillis(payment.SettledAt),
		sqlitestore.ToMillis(now),
	); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("record applied payment: %w", err)
	}

	campaign, err := getCampaign(ctx, tx, payment.CampaignID)
	if err != nil {
		return storage.ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("commit apply transaction: %w", err)
	}
	return storage.ApplyResult{Campaign: campaign}, nil
}
