// Package storage defines the campaign ledger persistence contracts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/donations/internal/services/aggregator/domain"
)

// ErrNotFound indicates a requested campaign does not exist.
var ErrNotFound = errors.New("record not found")

// CampaignReader reads campaigns.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
}

// CampaignStore creates and reads campaigns.
type CampaignStore interface {
	CampaignReader
	// CreateCampaign inserts campaign unless its id exists and reports
	// whether a row was created.
	CreateCampaign(ctx context.Context, campaign domain.Campaign) (bool, error)
}

// ApplyResult is the campaign after a payment was applied.
type ApplyResult struct {
	Campaign domain.Campaign
	// Duplicate is set when the donation was already applied; the total is
	// unchanged.
	Duplicate bool
}

// PaymentStore applies successful payments to campaign totals.
type PaymentStore interface {
	// ApplyPayment records the donation as applied and increments the
	// campaign total in one transaction. An unknown campaign returns
	// ErrNotFound.
	ApplyPayment(ctx context.Context, payment domain.Payment, now time.Time) (ApplyResult, error)
}
