package domain

import (
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/events"
)

// Donation is the settlement input taken from a donation-requested event.
type Donation struct {
	ID             string
	IdempotencyKey string
	DonorID        string
	DonorContact   string
	CampaignID     string
	AmountCents    int64
	RequestedAt    time.Time
}

// DonationFromEvent copies the fields settlement needs.
func DonationFromEvent(e events.DonationRequested) Donation {
	return Donation{
		ID:             strings.TrimSpace(e.DonationID),
		IdempotencyKey: e.IdempotencyKey,
		DonorID:        strings.TrimSpace(e.DonorID),
		DonorContact:   e.DonorContact,
		CampaignID:     strings.TrimSpace(e.CampaignID),
		AmountCents:    e.AmountCents,
		RequestedAt:    e.RequestedAt,
	}
}

// Failure is a terminal non-debit outcome.
type Failure struct {
	Reason              events.FailureReason
	Message             string
	CurrentBalanceCents *int64
}

// Settlement is the single terminal outcome recorded for one donation.
type Settlement struct {
	// EventID identifies the payment-settled event; it is fixed when the
	// settlement is first recorded and reused on every republish.
	EventID  string
	Donation Donation
	Outcome  events.Outcome
	Failure  Failure

	PreviousBalanceCents int64
	NewBalanceCents      int64
	SettledAt            time.Time
}

// Succeed records a debit from previousCents.
func Succeed(eventID string, d Donation, previousCents int64, at time.Time) Settlement {
	return Settlement{
		EventID:              eventID,
		Donation:             d,
		Outcome:              events.OutcomeSuccess,
		PreviousBalanceCents: previousCents,
		NewBalanceCents:      previousCents - d.AmountCents,
		SettledAt:            at.UTC(),
	}
}

// Fail records a failure outcome.
func Fail(eventID string, d Donation, failure Failure, at time.Time) Settlement {
	return Settlement{
		EventID:   eventID,
		Donation:  d,
		Outcome:   events.OutcomeFailure,
		Failure:   failure,
		SettledAt: at.UTC(),
	}
}

// Succeeded reports whether the donor was debited.
func (s Settlement) Succeeded() bool {
	return s.Outcome == events.OutcomeSuccess
}

// Event renders the payment-settled contract.
func (s Settlement) Event() events.PaymentSettled {
	e := events.PaymentSettled{
		DonationID:     s.Donation.ID,
		DonorID:        s.Donation.DonorID,
		DonorContact:   s.Donation.DonorContact,
		CampaignID:     s.Donation.CampaignID,
		AmountCents:    s.Donation.AmountCents,
		SettledAt:      s.SettledAt,
		Outcome:        s.Outcome,
		IdempotencyKey: s.Donation.IdempotencyKey,
	}
	if s.Succeeded() {
		e.PreviousBalanceCents = events.Cents(s.PreviousBalanceCents)
		e.NewBalanceCents = events.Cents(s.NewBalanceCents)
		return e
	}
	e.Reason = s.Failure.Reason
	e.Message = s.Failure.Message
	if s.Failure.CurrentBalanceCents != nil {
		e.CurrentBalanceCents = events.Cents(*s.Failure.CurrentBalanceCents)
	}
	return e
}

// Precheck applies the early-exit rules against a balance read outside the
// settlement transaction. ok is false when the donation must fail without a
// debit attempt.
func Precheck(account *Account, amountCents int64) (Failure, bool) {
	if account == nil {
		return Failure{Reason: events.ReasonAccountNotFound, Message: "no account for donor"}, false
	}
	if !account.CanCover(amountCents) {
		return Failure{
			Reason:              events.ReasonInsufficientBalance,
			Message:             "balance does not cover the donation",
			CurrentBalanceCents: events.Cents(account.BalanceCents),
		}, false
	}
	return Failure{}, true
}
