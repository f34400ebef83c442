package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/services/payments/domain"
	"github.com/louisbranch/donations/internal/services/payments/storage"
	paymentsqlite "github.com/louisbranch/donations/internal/services/payments/storage/sqlite"
)

const (
	donationsTopic = "donations.requested"
	paymentsTopic  = "payments.settled"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []eventbus.OutboundMessage
}

func (p *fakePublisher) Publish(_ context.Context, _ string, msg eventbus.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePublisher) settled(t *testing.T) []events.PaymentSettled {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.PaymentSettled, 0, len(p.messages))
	for _, msg := range p.messages {
		var e events.PaymentSettled
		if _, err := events.Decode(eventbus.Message{Payload: msg.Payload}, events.TypePaymentSettled, &e); err != nil {
			t.Fatalf("decode published message: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func openLedger(t *testing.T) *paymentsqlite.Store {
	t.Helper()
	store, err := paymentsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "payments.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openAccount(t *testing.T, store storage.AccountStore, userID string, cents int64) {
	t.Helper()
	account, err := domain.NewAccount(userID, userID, "", cents, base)
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	if _, err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func encode(t *testing.T, topic string, event events.Event) eventbus.Message {
	t.Helper()
	out, err := events.Encode("env-"+event.PartitionKey(), base, event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return eventbus.Message{Topic: topic, Key: out.Key, Payload: out.Payload, Headers: out.Headers}
}

// rawDonation builds a message without validating the contract.
func rawDonation(t *testing.T, e events.DonationRequested) eventbus.Message {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	payload, err := json.Marshal(events.Envelope{
		ID:         "env-raw",
		Type:       events.TypeDonationRequested,
		Version:    events.Version,
		OccurredAt: base,
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return eventbus.Message{Topic: donationsTopic, Payload: payload}
}

func requested(donationID, donor string, cents int64) events.DonationRequested {
	return events.DonationRequested{
		DonationID:     donationID,
		IdempotencyKey: "key-" + donationID,
		DonorID:        donor,
		DonorContact:   donor + "@example.com",
		CampaignID:     "camp-1",
		AmountCents:    cents,
		Currency:       "USD",
		RequestedAt:    base,
	}
}

func balanceOf(t *testing.T, store storage.AccountStore, userID string) int64 {
	t.Helper()
	account, err := store.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.BalanceCents
}

func settlementOf(t *testing.T, store storage.SettlementStore, donationID string) domain.Settlement {
	t.Helper()
	s, err := store.GetSettlement(context.Background(), donationID)
	if err != nil {
		t.Fatalf("get settlement %s: %v", donationID, err)
	}
	return s
}

// flakyLedger fails the first n Settle calls, or every call when n < 0.
type flakyLedger struct {
	Ledger
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLedger) Settle(ctx context.Context, req storage.SettleRequest) (storage.SettleResult, error) {
	l.mu.Lock()
	l.calls++
	fail := l.failures < 0 || l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return storage.SettleResult{}, errors.New("database is locked")
	}
	return l.Ledger.Settle(ctx, req)
}

var errBrokerDown = errors.New("broker down")

func publish(t *testing.T, broker eventbus.Publisher, topic string, payload []byte, key string) {
	t.Helper()
	if err := broker.Publish(context.Background(), topic, eventbus.OutboundMessage{Key: key, Payload: payload}); err != nil {
		t.Fatalf("publish to %s: %v", topic, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
