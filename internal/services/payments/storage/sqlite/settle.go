package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/services/payments/domain"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

// Settle records the single outcome for req.Donation. A donation already in
// settled_donations is returned unchanged with Duplicate set.
func (s *Store) Settle(ctx context.Context, req storage.SettleRequest) (storage.SettleResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.SettleResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SettleResult{}, fmt.Errorf("storage is not configured")
	}
	req.Donation.ID = strings.TrimSpace(req.Donation.ID)
	req.EventID = strings.TrimSpace(req.EventID)
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Donation.ID == "" {
		return storage.SettleResult{}, fmt.Errorf("donation id is required")
	}
	if req.EventID == "" {
		return storage.SettleResult{}, fmt.Errorf("event id is required")
	}
	if req.Topic == "" {
		return storage.SettleResult{}, fmt.Errorf("topic is required")
	}
	if req.Failure == nil && req.Donation.AmountCents <= 0 {
		return storage.SettleResult{}, fmt.Errorf("debit amount must be positive")
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	req.Now = req.Now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("start settle transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := getSettlement(ctx, tx, req.Donation.ID)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return storage.SettleResult{}, fmt.Errorf("commit settle transaction: %w", err)
		}
		return storage.SettleResult{Settlement: existing, Duplicate: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.SettleResult{}, err
	}

	var settlement domain.Settlement
	if req.Failure != nil {
		settlement = domain.Fail(req.EventID, req.Donation, *req.Failure, req.Now)
	} else {
		settlement, err = debit(ctx, tx, req)
		if err != nil {
			return storage.SettleResult{}, err
		}
	}

	msg, err := events.Encode(settlement.EventID, settlement.SettledAt, settlement.Event())
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("encode settlement: %w", err)
	}
	if err := insertSettlement(ctx, tx, settlement); err != nil {
		return storage.SettleResult{}, err
	}
	if err := enqueueOutboxEvent(ctx, tx, storage.OutboxEvent{
		ID:            settlement.EventID,
		Topic:         req.Topic,
		Key:           msg.Key,
		EventType:     string(events.TypePaymentSettled),
		Payload:       msg.Payload,
		NextAttemptAt: req.Now,
		CreatedAt:     req.Now,
	}); err != nil {
		return storage.SettleResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.SettleResult{}, fmt.Errorf("commit settle transaction: %w", err)
	}
	return storage.SettleResult{Settlement: settlement}, nil
}

// debit re-checks the balance inside the transaction and applies the
// conditional decrement. A missing account or short balance becomes a
// failure settlement rather than an error.
func debit(ctx context.Context, tx *sql.Tx, req storage.SettleRequest) (domain.Settlement, error) {
	donation := req.Donation
	var balance int64
	err := tx.QueryRowContext(ctx, "SELECT balance_cents FROM accounts WHERE user_id = ?", donation.DonorID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		failure, _ := domain.Precheck(nil, donation.AmountCents)
		return domain.Fail(req.EventID, donation, failure, req.Now), nil
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("read balance: %w", err)
	}
	account := domain.Account{UserID: donation.DonorID, BalanceCents: balance}
	if failure, ok := domain.Precheck(&account, donation.AmountCents); !ok {
		return domain.Fail(req.EventID, donation, failure, req.Now), nil
	}

	result, err := tx.ExecContext(ctx, `
UPDATE accounts
SET balance_cents = balance_cents - ?, updated_at = ?
WHERE user_id = ? AND balance_cents >= ?
`,
		donation.AmountCents,
		sqlitestore.ToMillis(req.Now),
		donation.DonorID,
		donation.AmountCents,
	)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("debit account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("debit rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return domain.Settlement{}, fmt.Errorf("conditional debit for %s did not apply", donation.DonorID)
	}
	return domain.Succeed(req.EventID, donation, balance, req.Now), nil
}

// GetSettlement returns the settlement recorded for donationID.
func (s *Store) GetSettlement(ctx context.Context, donationID string) (domain.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return domain.Settlement{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Settlement{}, fmt.Errorf("storage is not configured")
	}
	donationID = strings.TrimSpace(donationID)
	if donationID == "" {
		return domain.Settlement{}, fmt.Errorf("donation id is required")
	}
	return getSettlement(ctx, s.sqlDB, donationID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSettlement(ctx context.Context, q queryRower, donationID string) (domain.Settlement, error) {
	var (
		settlement               domain.Settlement
		outcome, reason, message string
		previous, next, current  sql.NullInt64
		requestedAt, settledAt   int64
	)
	err := q.QueryRowContext(ctx, `
SELECT
	donation_id,
	event_id,
	idempotency_key,
	donor_id,
	donor_contact,
	campaign_id,
	amount_cents,
	outcome,
	reason,
	message,
	previous_balance_cents,
	new_balance_cents,
	current_balance_cents,
	requested_at,
	settled_at
FROM settled_donations
WHERE donation_id = ?
`, donationID).Scan(
		&settlement.Donation.ID,
		&settlement.EventID,
		&settlement.Donation.IdempotencyKey,
		&settlement.Donation.DonorID,
		&settlement.Donation.DonorContact,
		&settlement.Donation.CampaignID,
		&settlement.Donation.AmountCents,
		&outcome,
		&reason,
		&message,
		&previous,
		&next,
		&current,
		&requestedAt,
		&settledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settlement{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("get settlement: %w", err)
	}
	settlement.Outcome = events.Outcome(outcome)
	settlement.Failure.Reason = events.FailureReason(reason)
	settlement.Failure.Message = message
	settlement.PreviousBalanceCents = previous.Int64
	settlement.NewBalanceCents = next.Int64
	if current.Valid {
		settlement.Failure.CurrentBalanceCents = events.Cents(current.Int64)
	}
	settlement.Donation.RequestedAt = sqlitestore.FromMillis(requestedAt)
	settlement.SettledAt = sqlitestore.FromMillis(settledAt)
	return settlement, nil
}

func insertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	var previous, next, current sql.NullInt64
	if s.Succeeded() {
		previous = sql.NullInt64{Int64: s.PreviousBalanceCents, Valid: true}
		next = sql.NullInt64{Int64: s.NewBalanceCents, Valid: true}
	}
	if s.Failure.CurrentBalanceCents != nil {
		current = sql.NullInt64{Int64: *s.Failure.CurrentBalanceCents, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO settled_donations (
	donation_id,
	event_id,
	idempotency_key,
	donor_id,
	donor_contact,
	campaign_id,
	amount_cents,
	outcome,
	reason,
	message,
	previous_balance_cents,
	new_balance_cents,
	current_balance_cents,
	requested_at,
	settled_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		s.Donation.ID,
		s.EventID,
		s.Donation.IdempotencyKey,
		s.Donation.DonorID,
		s.Donation.DonorContact,
		s.Donation.CampaignID,
		s.Donation.AmountCents,
		string(s.Outcome),
		string(s.Failure.Reason),
		s.Failure.Message,
		previous,
		next,
		current,
		sqlitestore.ToMillis(s.Donation.RequestedAt),
		sqlitestore.ToMillis(s.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", s.Donation.ID, err)
	}
	return nil
}
