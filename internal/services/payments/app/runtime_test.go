package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/eventbus/driver"
	"github.com/louisbranch/donations/internal/eventbus/memory"
	"github.com/louisbranch/donations/internal/events"
)

func TestRuntimeSettlesDonationsEndToEnd(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	bus := driver.Config{
		Partitions:         2,
		DonationsTopic:     donationsTopic,
		PaymentsTopic:      paymentsTopic,
		RegistrationsTopic: "users.registered",
	}
	rt, err := NewRuntime(context.Background(), RuntimeConfig{
		HealthAddr:          "127.0.0.1:0",
		Bus:                 bus,
		Broker:              broker,
		LedgerPath:          filepath.Join(t.TempDir(), "ledger.db"),
		OpeningBalanceCents: 10000,
		Members:             2,
		Relay:               RelayConfig{PollInterval: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()
	if rt.HealthAddr() == "" {
		t.Fatal("health address not bound")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	registered := encode(t, "users.registered", events.UserRegistered{UserID: "user-1", RegisteredAt: base})
	publish(t, broker, "users.registered", registered.Payload, "user-1")
	waitFor(t, func() bool {
		_, err := rt.Ledger().GetAccount(context.Background(), "user-1")
		return err == nil
	})

	donation := encode(t, donationsTopic, requested("don-1", "user-1", 2500))
	publish(t, broker, donationsTopic, donation.Payload, "user-1")
	waitFor(t, func() bool { return len(broker.Messages(paymentsTopic)) == 1 })

	var settled events.PaymentSettled
	if _, err := events.Decode(broker.Messages(paymentsTopic)[0], events.TypePaymentSettled, &settled); err != nil {
		t.Fatalf("decode settled: %v", err)
	}
	if !settled.Succeeded() || *settled.NewBalanceCents != 7500 {
		t.Fatalf("settled = %+v", settled)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	attempts, err := rt.Ledger().Attempts().ListAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
}

func TestNewRuntimeRequiresLedgerPath(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	_, err := NewRuntime(context.Background(), RuntimeConfig{
		HealthAddr: "127.0.0.1:0",
		Broker:     broker,
	})
	if err == nil {
		t.Fatal("expected error for missing ledger path")
	}
}
