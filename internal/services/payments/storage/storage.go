// Package storage defines the account ledger persistence contracts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/donations/internal/services/payments/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Outbox statuses.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusLeased    = "leased"
	OutboxStatusPublished = "published"
)

// AccountStore persists donor accounts.
type AccountStore interface {
	// CreateAccount inserts account unless the user already has one. created
	// is false for an existing account, whose balance is left untouched.
	CreateAccount(ctx context.Context, account domain.Account) (created bool, err error)
	GetAccount(ctx context.Context, userID string) (domain.Account, error)
}

// SettleRequest asks the ledger to settle one donation.
type SettleRequest struct {
	Donation domain.Donation
	// EventID is assigned to the payment-settled event when this call
	// records the settlement.
	EventID string
	// Failure, when set, records that outcome without touching any balance.
	Failure *domain.Failure
	Topic   string
	Now     time.Time
}

// SettleResult reports the settlement stored for the donation.
type SettleResult struct {
	Settlement domain.Settlement
	// Duplicate is true when the donation was settled by an earlier call and
	// nothing was written.
	Duplicate bool
}

// SettlementStore records exactly one terminal settlement per donation id.
type SettlementStore interface {
	// Settle checks the processed-donation set, then either applies a
	// conditional debit or records req.Failure, and enqueues the outcome
	// event, all in one transaction.
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
	GetSettlement(ctx context.Context, donationID string) (domain.Settlement, error)
}

// OutboxEvent is one payment-settled message awaiting publication.
type OutboxEvent struct {
	ID             string
	Topic          string
	Key            string
	EventType      string
	Payload        []byte
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	PublishedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxStore leases and settles outbox rows for the relay.
type OutboxStore interface {
	LeaseOutboxEvents(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id, owner string, publishedAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string) error
}
