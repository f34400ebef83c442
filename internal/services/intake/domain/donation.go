// Package domain holds donation intake rules independent of transport and
// storage.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/events"
	apperrors "github.com/louisbranch/donations/internal/platform/errors"
	"github.com/louisbranch/donations/internal/platform/money"
)

// StatusRequested is the only state intake assigns; settlement appends later
// states through events.
const StatusRequested = "requested"

const maxIdempotencyKeyLen = 255

// Caller is the authenticated donor forwarded by the gateway.
type Caller struct {
	UserID string
	Email  string
}

// Request is one donation submission.
type Request struct {
	Caller         Caller
	CampaignID     string
	AmountCents    int64
	IdempotencyKey string
}

// Normalize trims caller-supplied identifiers.
func (r Request) Normalize() Request {
	r.Caller.UserID = strings.TrimSpace(r.Caller.UserID)
	r.Caller.Email = strings.TrimSpace(r.Caller.Email)
	r.CampaignID = strings.TrimSpace(r.CampaignID)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	return r
}

// Validate rejects requests that must never reach the event bus.
func (r Request) Validate() error {
	switch {
	case r.IdempotencyKey == "":
		return apperrors.New(apperrors.CodeIdempotencyKeyMissing, "Idempotency-Key header is required")
	case len(r.IdempotencyKey) > maxIdempotencyKeyLen:
		return apperrors.New(apperrors.CodeIdempotencyKeyMissing, "Idempotency-Key is too long")
	case r.Caller.UserID == "":
		return apperrors.New(apperrors.CodeCallerMissing, "caller identity is required")
	case r.CampaignID == "":
		return apperrors.New(apperrors.CodeCampaignIDMissing, "campaignId is required")
	case r.AmountCents <= 0:
		return apperrors.New(apperrors.CodeAmountInvalid, "amount must be greater than zero")
	}
	return nil
}

// Fingerprint identifies the business content of a request so a reused
// idempotency key with different content can be detected.
func (r Request) Fingerprint() string {
	sum := sha256.Sum256([]byte(r.Caller.UserID + "|" + r.CampaignID + "|" + strconv.FormatInt(r.AmountCents, 10)))
	return hex.EncodeToString(sum[:])
}

// Donation is the immutable record created for a first-seen key.
type Donation struct {
	ID             string
	IdempotencyKey string
	DonorID        string
	DonorContact   string
	CampaignID     string
	AmountCents    int64
	Currency       string
	Status         string
	CreatedAt      time.Time
}

// NewDonation builds the requested-state record for r.
func NewDonation(id string, r Request, now time.Time) Donation {
	return Donation{
		ID:             id,
		IdempotencyKey: r.IdempotencyKey,
		DonorID:        r.Caller.UserID,
		DonorContact:   r.Caller.Email,
		CampaignID:     r.CampaignID,
		AmountCents:    r.AmountCents,
		Currency:       money.Currency,
		Status:         StatusRequested,
		CreatedAt:      now.UTC(),
	}
}

// Event returns the donation-requested contract for d.
func (d Donation) Event() events.DonationRequested {
	return events.DonationRequested{
		DonationID:     d.ID,
		IdempotencyKey: d.IdempotencyKey,
		DonorID:        d.DonorID,
		DonorContact:   d.DonorContact,
		CampaignID:     d.CampaignID,
		AmountCents:    d.AmountCents,
		Currency:       d.Currency,
		RequestedAt:    d.CreatedAt,
	}
}

// Receipt is returned to the caller and cached under the idempotency key.
type Receipt struct {
	DonationID     string    `json:"donationId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	DonorID        string    `json:"donorId"`
	CampaignID     string    `json:"campaignId"`
	AmountCents    int64     `json:"amountCents"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	RequestedAt    time.Time `json:"requestedAt"`
	Replayed       bool      `json:"replayed,omitempty"`
}

// Receipt returns the caller-facing receipt for d.
func (d Donation) Receipt() Receipt {
	return Receipt{
		DonationID:     d.ID,
		IdempotencyKey: d.IdempotencyKey,
		DonorID:        d.DonorID,
		CampaignID:     d.CampaignID,
		AmountCents:    d.AmountCents,
		Amount:         money.Format(d.AmountCents),
		Currency:       d.Currency,
		Status:         d.Status,
		RequestedAt:    d.CreatedAt,
	}
}
