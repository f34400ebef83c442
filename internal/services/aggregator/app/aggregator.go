// Package app runs the campaign aggregator: it applies successful payment
// outcomes to campaign totals and serves campaign reads through the cache.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
)

// Invalidator drops cached reads of a campaign.
type Invalidator interface {
	Invalidate(campaignID string)
}

// AggregatorDeps wires an Aggregator.
type AggregatorDeps struct {
	Ledger storage.PaymentStore
	Cache  Invalidator
	Retry  eventbus.HandlerRetry
	Clock  clock.Clock
	Logf   func(string, ...any)
}

// Aggregator applies payment-settled events.
type Aggregator struct {
	ledger storage.PaymentStore
	cache  Invalidator
	retry  eventbus.HandlerRetry
	clock  clock.Clock
	logf   func(string, ...any)
}

// NewAggregator validates deps and builds an Aggregator.
func NewAggregator(deps AggregatorDeps) (*Aggregator, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("campaign ledger is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	a := &Aggregator{
		ledger: deps.Ledger,
		cache:  deps.Cache,
		retry:  deps.Retry,
		clock:  deps.Clock,
		logf:   deps.Logf,
	}
	if a.clock == nil {
		a.clock = clock.WallClock
	}
	if a.logf == nil {
		a.logf = func(string, ...any) {}
	}
	if a.retry.Logf == nil {
		a.retry.Logf = a.logf
	}
	if a.retry.Clock == nil {
		a.retry.Clock = a.clock
	}
	return a, nil
}

// HandlePayment applies one payment-settled message. Failure outcomes and
// unknown campaigns are logged and acknowledged; a redelivered success leaves
// the total unchanged.
func (a *Aggregator) HandlePayment(ctx context.Context, msg eventbus.Message) error {
	var settled events.PaymentSettled
	env, err := events.Decode(msg, events.TypePaymentSettled, &settled)
	if err != nil {
		return err
	}
	if err := settled.Validate(); err != nil {
		return eventbus.Permanent(fmt.Errorf("payment-settled %s: %w", env.ID, err))
	}
	if !settled.Succeeded() {
		a.logf("donation %s to campaign %s failed (%s); total unchanged", settled.DonationID, settled.CampaignID, settled.Reason)
		return nil
	}
	payment, err := domain.PaymentFromEvent(env.ID, settled)
	if err != nil {
		return eventbus.Permanent(err)
	}

	var result storage.ApplyResult
	err = a.retry.Call(ctx, "apply "+payment.DonationID, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.LedgerCall)
		defer cancel()
		var applyErr error
		result, applyErr = a.ledger.ApplyPayment(callCtx, payment, a.clock.Now())
		if errors.Is(applyErr, storage.ErrNotFound) {
			return eventbus.Permanent(applyErr)
		}
		return applyErr
	})
	if errors.Is(err, storage.ErrNotFound) {
		a.logf("donation %s names unknown campaign %s; skipped", payment.DonationID, payment.CampaignID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply donation %s to campaign %s: %w", payment.DonationID, payment.CampaignID, err)
	}
	if result.Duplicate {
		a.logf("donation %s already applied to campaign %s", payment.DonationID, payment.CampaignID)
		return nil
	}
	a.cache.Invalidate(payment.CampaignID)
	a.logf("campaign %s raised %s after donation %s", result.Campaign.ID, result.Campaign.Raised(), payment.DonationID)
	return nil
}
