package events

import (
	"fmt"
	"strings"
	"time"
)

// DonationRequested is emitted by intake for every accepted donation.
// Partitioned by donor so one donor's donations settle in order.
type DonationRequested struct {
	DonationID     string    `json:"donationId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	DonorID        string    `json:"donorId"`
	DonorContact   string    `json:"donorContact"`
	CampaignID     string    `json:"campaignId"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	RequestedAt    time.Time `json:"requestedAt"`
}

func (DonationRequested) EventType() Type { return TypeDonationRequested }

func (e DonationRequested) PartitionKey() string { return e.DonorID }

// Validate reports the first missing or malformed field.
func (e DonationRequested) Validate() error {
	switch {
	case strings.TrimSpace(e.DonationID) == "":
		return fmt.Errorf("donation id is required")
	case strings.TrimSpace(e.DonorID) == "":
		return fmt.Errorf("donor id is required")
	case strings.TrimSpace(e.CampaignID) == "":
		return fmt.Errorf("campaign id is required")
	case e.AmountCents <= 0:
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// Outcome is the terminal result of settling a donation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FailureReason explains a failure outcome.
type FailureReason string

const (
	ReasonAccountNotFound     FailureReason = "account-not-found"
	ReasonInsufficientBalance FailureReason = "insufficient-balance"
	ReasonProcessingError     FailureReason = "processing-error"
	ReasonInsufficientData    FailureReason = "insufficient-data"
)

// PaymentSettled is emitted by payments exactly once per donation id.
// Partitioned by campaign so one campaign's totals are applied in order.
type PaymentSettled struct {
	DonationID           string        `json:"donationId"`
	DonorID              string        `json:"donorId"`
	DonorContact         string        `json:"donorContact"`
	CampaignID           string        `json:"campaignId"`
	AmountCents          int64         `json:"amountCents"`
	SettledAt            time.Time     `json:"settledAt"`
	Outcome              Outcome       `json:"outcome"`
	Reason               FailureReason `json:"reason,omitempty"`
	PreviousBalanceCents *int64        `json:"previousBalanceCents,omitempty"`
	NewBalanceCents      *int64        `json:"newBalanceCents,omitempty"`
	CurrentBalanceCents  *int64        `json:"currentBalanceCents,omitempty"`
	Message              string        `json:"message,omitempty"`
	IdempotencyKey       string        `json:"idempotencyKey"`
}

func (PaymentSettled) EventType() Type { return TypePaymentSettled }

func (e PaymentSettled) PartitionKey() string { return e.CampaignID }

// Validate checks the outcome-specific fields.
func (e PaymentSettled) Validate() error {
	if strings.TrimSpace(e.DonationID) == "" {
		return fmt.Errorf("donation id is required")
	}
	switch e.Outcome {
	case OutcomeSuccess:
		if e.AmountCents <= 0 {
			return fmt.Errorf("success amount must be positive")
		}
		if strings.TrimSpace(e.CampaignID) == "" {
			return fmt.Errorf("campaign id is required")
		}
		if e.PreviousBalanceCents == nil || e.NewBalanceCents == nil {
			return fmt.Errorf("success requires previous and new balance")
		}
		if *e.PreviousBalanceCents-e.AmountCents != *e.NewBalanceCents {
			return fmt.Errorf("balance %d - %d != %d", *e.PreviousBalanceCents, e.AmountCents, *e.NewBalanceCents)
		}
		if e.Reason != "" {
			return fmt.Errorf("success must not carry a failure reason")
		}
	case OutcomeFailure:
		switch e.Reason {
		case ReasonAccountNotFound, ReasonInsufficientBalance, ReasonProcessingError, ReasonInsufficientData:
		default:
			return fmt.Errorf("unknown failure reason %q", e.Reason)
		}
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	return nil
}

// Succeeded reports whether the payment debited the donor.
func (e PaymentSettled) Succeeded() bool {
	return e.Outcome == OutcomeSuccess
}

// UserRegistered feeds the account ledger.
type UserRegistered struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (UserRegistered) EventType() Type { return TypeUserRegistered }

func (e UserRegistered) PartitionKey() string { return e.UserID }

func (e UserRegistered) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// Cents returns a pointer for the optional balance fields.
func Cents(v int64) *int64 {
	return &v
}
