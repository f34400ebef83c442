// Package app runs the payment processor: it settles donation-requested
// events against the account ledger, opens accounts from user-registered
// events and relays settled outcomes from the outbox to the event bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/id"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	"github.com/louisbranch/donations/internal/services/payments/domain"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

// Ledger is the account ledger the processor settles against.
type Ledger interface {
	storage.AccountStore
	storage.SettlementStore
}

// ProcessorDeps wires a Processor.
type ProcessorDeps struct {
	Ledger Ledger
	// Publisher receives a failure outcome directly when the ledger cannot
	// record one.
	Publisher eventbus.Publisher
	Topic     string
	Retry     eventbus.HandlerRetry
	// OnSettled is called after a new settlement is committed.
	OnSettled func()

	Clock clock.Clock
	NewID func() (string, error)
	Logf  func(string, ...any)
}

// Processor settles donations.
type Processor struct {
	ledger    Ledger
	publisher eventbus.Publisher
	topic     string
	retry     eventbus.HandlerRetry
	onSettled func()
	clock     clock.Clock
	newID     func() (string, error)
	logf      func(string, ...any)
}

// NewProcessor validates deps and builds a Processor.
func NewProcessor(deps ProcessorDeps) (*Processor, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if strings.TrimSpace(deps.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	p := &Processor{
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		topic:     deps.Topic,
		retry:     deps.Retry,
		onSettled: deps.OnSettled,
		clock:     deps.Clock,
		newID:     deps.NewID,
		logf:      deps.Logf,
	}
	if p.clock == nil {
		p.clock = clock.WallClock
	}
	if p.newID == nil {
		p.newID = id.NewID
	}
	if p.logf == nil {
		p.logf = func(string, ...any) {}
	}
	if p.onSettled == nil {
		p.onSettled = func() {}
	}
	if p.retry.Logf == nil {
		p.retry.Logf = p.logf
	}
	if p.retry.Clock == nil {
		p.retry.Clock = p.clock
	}
	return p, nil
}

// HandleDonation settles one donation-requested message. Every decodable
// donation ends with exactly one recorded settlement; redeliveries are
// no-ops.
func (p *Processor) HandleDonation(ctx context.Context, msg eventbus.Message) error {
	var requested events.DonationRequested
	env, err := events.Decode(msg, events.TypeDonationRequested, &requested)
	if err != nil {
		return err
	}
	donation := domain.DonationFromEvent(requested)
	if err := requested.Validate(); err != nil {
		if donation.ID == "" {
			return eventbus.Permanent(fmt.Errorf("donation-requested %s: %w", env.ID, err))
		}
		return p.fail(ctx, donation, domain.Failure{
			Reason:  events.ReasonInsufficientData,
			Message: err.Error(),
		})
	}

	eventID, err := p.newID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	var result storage.SettleResult
	err = p.retry.Call(ctx, "settle "+donation.ID, func() error {
		var settleErr error
		result, settleErr = p.settle(ctx, donation, eventID)
		return settleErr
	})
	if err != nil {
		return p.fail(ctx, donation, domain.Failure{
			Reason:  events.ReasonProcessingError,
			Message: err.Error(),
		})
	}
	if result.Duplicate {
		p.logf("donation %s already settled as %s", donation.ID, result.Settlement.Outcome)
		return nil
	}
	p.settled(result.Settlement)
	return nil
}

// settle performs the early balance read and then the transactional
// settlement, which re-checks the balance before debiting.
func (p *Processor) settle(ctx context.Context, donation domain.Donation, eventID string) (storage.SettleResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.LedgerCall)
	defer cancel()

	existing, err := p.ledger.GetSettlement(callCtx, donation.ID)
	if err == nil {
		return storage.SettleResult{Settlement: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.SettleResult{}, err
	}

	var account *domain.Account
	found, err := p.ledger.GetAccount(callCtx, donation.DonorID)
	switch {
	case err == nil:
		account = &found
	case !errors.Is(err, storage.ErrNotFound):
		return storage.SettleResult{}, err
	}

	req := storage.SettleRequest{
		Donation: donation,
		EventID:  eventID,
		Topic:    p.topic,
		Now:      p.clock.Now(),
	}
	if failure, ok := domain.Precheck(account, donation.AmountCents); !ok {
		req.Failure = &failure
	}
	return p.ledger.Settle(callCtx, req)
}

// fail records a failure outcome. When the ledger cannot record it, the
// outcome is published directly so the donor still gets an answer.
func (p *Processor) fail(ctx context.Context, donation domain.Donation, failure domain.Failure) error {
	eventID, err := p.newID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeouts.LedgerCall)
	result, err := p.ledger.Settle(callCtx, storage.SettleRequest{
		Donation: donation,
		EventID:  eventID,
		Failure:  &failure,
		Topic:    p.topic,
		Now:      p.clock.Now(),
	})
	cancel()
	if err == nil {
		if !result.Duplicate {
			p.settled(result.Settlement)
		}
		return nil
	}
	p.logf("record %s failure for donation %s: %v; publishing directly", failure.Reason, donation.ID, err)

	settlement := domain.Fail(eventID, donation, failure, p.clock.Now())
	msg, encErr := events.Encode(settlement.EventID, settlement.SettledAt, settlement.Event())
	if encErr != nil {
		return eventbus.Permanent(fmt.Errorf("encode failure outcome for %s: %w", donation.ID, encErr))
	}
	publishCtx, cancel := context.WithTimeout(ctx, timeouts.Publish)
	defer cancel()
	if pubErr := p.publisher.Publish(publishCtx, p.topic, msg); pubErr != nil {
		return fmt.Errorf("settle donation %s: %w; publish failure outcome: %v", donation.ID, err, pubErr)
	}
	return nil
}

func (p *Processor) settled(s domain.Settlement) {
	p.onSettled()
	if s.Succeeded() {
		p.logf("donation %s settled: donor %s balance %d -> %d", s.Donation.ID, s.Donation.DonorID, s.PreviousBalanceCents, s.NewBalanceCents)
		return
	}
	p.logf("donation %s failed: %s", s.Donation.ID, s.Failure.Reason)
}
