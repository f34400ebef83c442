package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
)

func newProcessor(t *testing.T, ledger Ledger, pub *fakePublisher) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorDeps{
		Ledger:    ledger,
		Publisher: pub,
		Topic:     paymentsTopic,
		Retry:     eventbus.HandlerRetry{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func TestHandleDonationOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		opening     int64
		hasAccount  bool
		amount      int64
		wantOutcome events.Outcome
		wantReason  events.FailureReason
		wantBalance int64
	}{
		{name: "debits", opening: 10000, hasAccount: true, amount: 6000, wantOutcome: events.OutcomeSuccess, wantBalance: 4000},
		{name: "exact balance", opening: 1000, hasAccount: true, amount: 1000, wantOutcome: events.OutcomeSuccess, wantBalance: 0},
		{name: "short balance", opening: 5000, hasAccount: true, amount: 6000, wantOutcome: events.OutcomeFailure, wantReason: events.ReasonInsufficientBalance, wantBalance: 5000},
		{name: "no account", amount: 100, wantOutcome: events.OutcomeFailure, wantReason: events.ReasonAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := openLedger(t)
			if tt.hasAccount {
				openAccount(t, ledger, "user-1", tt.opening)
			}
			p := newProcessor(t, ledger, &fakePublisher{})

			if err := p.HandleDonation(context.Background(), encode(t, donationsTopic, requested("don-1", "user-1", tt.amount))); err != nil {
				t.Fatalf("handle: %v", err)
			}
			s := settlementOf(t, ledger, "don-1")
			if s.Outcome != tt.wantOutcome || s.Failure.Reason != tt.wantReason {
				t.Fatalf("settlement = %s/%s, want %s/%s", s.Outcome, s.Failure.Reason, tt.wantOutcome, tt.wantReason)
			}
			if tt.hasAccount {
				if got := balanceOf(t, ledger, "user-1"); got != tt.wantBalance {
					t.Fatalf("balance = %d, want %d", got, tt.wantBalance)
				}
			}
			if tt.wantReason == events.ReasonInsufficientBalance && *s.Failure.CurrentBalanceCents != tt.opening {
				t.Fatalf("current balance = %d", *s.Failure.CurrentBalanceCents)
			}
		})
	}
}

func TestHandleDonationRedeliveryDebitsOnce(t *testing.T) {
	ledger := openLedger(t)
	openAccount(t, ledger, "user-1", 10000)
	settledCalls := 0
	p, err := NewProcessor(ProcessorDeps{
		Ledger:    ledger,
		Publisher: &fakePublisher{},
		Topic:     paymentsTopic,
		OnSettled: func() { settledCalls++ },
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	msg := encode(t, donationsTopic, requested("don-1", "user-1", 1000))
	for range 3 {
		if err := p.HandleDonation(context.Background(), msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := balanceOf(t, ledger, "user-1"); got != 9000 {
		t.Fatalf("balance = %d, want 9000", got)
	}
	if settledCalls != 1 {
		t.Fatalf("settled callbacks = %d, want 1", settledCalls)
	}
	leased, err := ledger.LeaseOutboxEvents(context.Background(), "test", 10, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(leased))
	}
}

func TestHandleDonationConcurrentDonationsNeverOverdraw(t *testing.T) {
	ledger := openLedger(t)
	openAccount(t, ledger, "user-1", 10000)
	p := newProcessor(t, ledger, &fakePublisher{})

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := encode(t, donationsTopic, requested(fmt.Sprintf("don-%d", i), "user-1", 6000))
			if err := p.HandleDonation(context.Background(), msg); err != nil {
				t.Errorf("handle %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	outcomes := map[events.Outcome]int{}
	for i := range 2 {
		s := settlementOf(t, ledger, fmt.Sprintf("don-%d", i))
		outcomes[s.Outcome]++
		if !s.Succeeded() {
			if s.Failure.Reason != events.ReasonInsufficientBalance || *s.Failure.CurrentBalanceCents != 4000 {
				t.Fatalf("failure = %+v", s.Failure)
			}
		}
	}
	if outcomes[events.OutcomeSuccess] != 1 || outcomes[events.OutcomeFailure] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if got := balanceOf(t, ledger, "user-1"); got != 4000 {
		t.Fatalf("balance = %d, want 4000", got)
	}
}

func TestHandleDonationInsufficientData(t *testing.T) {
	ledger := openLedger(t)
	p := newProcessor(t, ledger, &fakePublisher{})

	bad := requested("don-1", "user-1", 0)
	bad.CampaignID = ""
	if err := p.HandleDonation(context.Background(), rawDonation(t, bad)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s := settlementOf(t, ledger, "don-1")
	if s.Failure.Reason != events.ReasonInsufficientData || s.Failure.Message == "" {
		t.Fatalf("settlement = %+v", s)
	}
}

func TestHandleDonationRejectsUnidentifiable(t *testing.T) {
	p := newProcessor(t, openLedger(t), &fakePublisher{})
	tests := []struct {
		name string
		msg  eventbus.Message
	}{
		{name: "garbage", msg: eventbus.Message{Payload: []byte("not json")}},
		{name: "no donation id", msg: rawDonation(t, requested("", "user-1", 100))},
		{name: "wrong type", msg: encode(t, donationsTopic, events.UserRegistered{UserID: "u"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.HandleDonation(context.Background(), tt.msg)
			if !eventbus.IsPermanent(err) {
				t.Fatalf("err = %v, want permanent", err)
			}
		})
	}
}

func TestHandleDonationRetriesTransientLedgerErrors(t *testing.T) {
	ledger := openLedger(t)
	openAccount(t, ledger, "user-1", 10000)
	flaky := &flakyLedger{Ledger: ledger, failures: 2}
	p := newProcessor(t, flaky, &fakePublisher{})

	if err := p.HandleDonation(context.Background(), encode(t, donationsTopic, requested("don-1", "user-1", 2500))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if s := settlementOf(t, ledger, "don-1"); !s.Succeeded() {
		t.Fatalf("settlement = %+v", s)
	}
	if flaky.calls != 3 {
		t.Fatalf("settle calls = %d, want 3", flaky.calls)
	}
}

func TestHandleDonationPublishesProcessingErrorWhenLedgerIsDown(t *testing.T) {
	ledger := openLedger(t)
	openAccount(t, ledger, "user-1", 10000)
	pub := &fakePublisher{}
	p := newProcessor(t, &flakyLedger{Ledger: ledger, failures: -1}, pub)

	if err := p.HandleDonation(context.Background(), encode(t, donationsTopic, requested("don-1", "user-1", 2500))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	published := pub.settled(t)
	if len(published) != 1 {
		t.Fatalf("published %d outcomes, want 1", len(published))
	}
	if published[0].Reason != events.ReasonProcessingError || published[0].DonationID != "don-1" {
		t.Fatalf("outcome = %+v", published[0])
	}
	if got := balanceOf(t, ledger, "user-1"); got != 10000 {
		t.Fatalf("balance = %d, want untouched", got)
	}
}

func TestHandleDonationReportsTotalFailure(t *testing.T) {
	ledger := openLedger(t)
	pub := &fakePublisher{}
	pub.setErr(errBrokerDown)
	p := newProcessor(t, &flakyLedger{Ledger: ledger, failures: -1}, pub)

	err := p.HandleDonation(context.Background(), encode(t, donationsTopic, requested("don-1", "user-1", 100)))
	if err == nil {
		t.Fatal("expected error when neither ledger nor broker accept the outcome")
	}
	if eventbus.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestNewProcessorValidation(t *testing.T) {
	ledger := openLedger(t)
	tests := []struct {
		name string
		deps ProcessorDeps
	}{
		{name: "no ledger", deps: ProcessorDeps{Publisher: &fakePublisher{}, Topic: paymentsTopic}},
		{name: "no publisher", deps: ProcessorDeps{Ledger: ledger, Topic: paymentsTopic}},
		{name: "no topic", deps: ProcessorDeps{Ledger: ledger, Publisher: &fakePublisher{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProcessor(tt.deps); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
