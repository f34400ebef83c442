// Package domain holds the campaign ledger model.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/money"
)

// Campaign is one fundraising campaign and its running total.
type Campaign struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	GoalCents   int64     `json:"goalCents"`
	RaisedCents int64     `json:"raisedCents"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewCampaign validates a campaign before it enters the ledger. Totals start
// at zero.
func NewCampaign(id, name string, goalCents int64, now time.Time) (Campaign, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return Campaign{}, fmt.Errorf("campaign id is required")
	}
	if name == "" {
		return Campaign{}, fmt.Errorf("campaign name is required")
	}
	if goalCents < 0 {
		return Campaign{}, fmt.Errorf("campaign goal must not be negative")
	}
	now = now.UTC()
	return Campaign{ID: id, Name: name, GoalCents: goalCents, CreatedAt: now, UpdatedAt: now}, nil
}

// Raised formats the running total as a decimal amount.
func (c Campaign) Raised() string {
	return money.Format(c.RaisedCents)
}

// Payment is a successful settlement applied to a campaign total.
type Payment struct {
	EventID     string
	DonationID  string
	CampaignID  string
	AmountCents int64
	SettledAt   time.Time
}

// PaymentFromEvent builds the payment to apply from a success outcome.
func PaymentFromEvent(eventID string, e events.PaymentSettled) (Payment, error) {
	if !e.Succeeded() {
		return Payment{}, fmt.Errorf("payment %s did not succeed", e.DonationID)
	}
	p := Payment{
		EventID:     strings.TrimSpace(eventID),
		DonationID:  strings.TrimSpace(e.DonationID),
		CampaignID:  strings.TrimSpace(e.CampaignID),
		AmountCents: e.AmountCents,
		SettledAt:   e.SettledAt.UTC(),
	}
	switch {
	case p.DonationID == "":
		return Payment{}, fmt.Errorf("donation id is required")
	case p.CampaignID == "":
		return Payment{}, fmt.Errorf("campaign id is required")
	case p.AmountCents <= 0:
		return Payment{}, fmt.Errorf("payment amount must be positive")
	}
	return p, nil
}
