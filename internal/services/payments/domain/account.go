// Package domain holds the account ledger and settlement rules.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Account is one donor's balance in the account ledger.
type Account struct {
	UserID       string
	Username     string
	Email        string
	BalanceCents int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewAccount opens an account with an opening balance.
func NewAccount(userID, username, email string, openingCents int64, now time.Time) (Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Account{}, fmt.Errorf("user id is required")
	}
	if openingCents < 0 {
		return Account{}, fmt.Errorf("opening balance must not be negative")
	}
	now = now.UTC()
	return Account{
		UserID:       userID,
		Username:     strings.TrimSpace(username),
		Email:        strings.TrimSpace(email),
		BalanceCents: openingCents,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CanCover reports whether the balance covers amountCents.
func (a Account) CanCover(amountCents int64) bool {
	return a.BalanceCents >= amountCents
}
