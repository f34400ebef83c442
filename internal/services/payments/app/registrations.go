package app

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	"github.com/louisbranch/donations/internal/services/payments/domain"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

// Registrations opens accounts for newly registered users.
type Registrations struct {
	accounts     storage.AccountStore
	openingCents int64
	clock        clock.Clock
	logf         func(string, ...any)
}

// NewRegistrations builds the user-registered handler. Every new account
// starts with openingCents.
func NewRegistrations(accounts storage.AccountStore, openingCents int64, clk clock.Clock, logf func(string, ...any)) (*Registrations, error) {
	if accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if openingCents < 0 {
		return nil, fmt.Errorf("opening balance must not be negative")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Registrations{accounts: accounts, openingCents: openingCents, clock: clk, logf: logf}, nil
}

// HandleRegistration creates the account once; redeliveries leave the
// existing balance alone.
func (r *Registrations) HandleRegistration(ctx context.Context, msg eventbus.Message) error {
	var registered events.UserRegistered
	if _, err := events.Decode(msg, events.TypeUserRegistered, &registered); err != nil {
		return err
	}
	if err := registered.Validate(); err != nil {
		return eventbus.Permanent(err)
	}
	account, err := domain.NewAccount(registered.UserID, registered.Username, registered.Email, r.openingCents, r.clock.Now())
	if err != nil {
		return eventbus.Permanent(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.LedgerCall)
	defer cancel()
	created, err := r.accounts.CreateAccount(callCtx, account)
	if err != nil {
		return fmt.Errorf("create account for %s: %w", account.UserID, err)
	}
	if created {
		r.logf("opened account for %s with %d cents", account.UserID, account.BalanceCents)
	}
	return nil
}
