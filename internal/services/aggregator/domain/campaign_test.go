package domain

import (
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/events"
)

func TestNewCampaign(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	c, err := NewCampaign(" c1 ", " Clean water ", 500000, now)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	if c.ID != "c1" || c.Name != "Clean water" || c.RaisedCents != 0 {
		t.Fatalf("campaign = %+v", c)
	}
	if c.CreatedAt.Location() != time.UTC {
		t.Fatalf("created at not UTC: %v", c.CreatedAt)
	}

	tests := []struct {
		name string
		id   string
		cn   string
		goal int64
	}{
		{name: "missing id", cn: "x"},
		{name: "missing name", id: "c1"},
		{name: "negative goal", id: "c1", cn: "x", goal: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCampaign(tt.id, tt.cn, tt.goal, now); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPaymentFromEvent(t *testing.T) {
	success := events.PaymentSettled{
		DonationID:           "d1",
		CampaignID:           "c1",
		AmountCents:          1500,
		Outcome:              events.OutcomeSuccess,
		PreviousBalanceCents: events.Cents(10000),
		NewBalanceCents:      events.Cents(8500),
	}
	p, err := PaymentFromEvent("evt-1", success)
	if err != nil {
		t.Fatalf("payment from event: %v", err)
	}
	if p.EventID != "evt-1" || p.DonationID != "d1" || p.CampaignID != "c1" || p.AmountCents != 1500 {
		t.Fatalf("payment = %+v", p)
	}

	failure := success
	failure.Outcome = events.OutcomeFailure
	failure.Reason = events.ReasonInsufficientBalance
	if _, err := PaymentFromEvent("evt-2", failure); err == nil {
		t.Fatal("expected error for failure outcome")
	}
	noCampaign := success
	noCampaign.CampaignID = " "
	if _, err := PaymentFromEvent("evt-3", noCampaign); err == nil {
		t.Fatal("expected error for missing campaign")
	}
}

func TestCampaignRaised(t *testing.T) {
	if got := (Campaign{RaisedCents: 12345}).Raised(); got != "123.45" {
		t.Fatalf("raised = %q", got)
	}
}
