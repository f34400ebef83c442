//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	"github.com/louisbranch/donations/internal/eventbus/memory"
	"github.com/louisbranch/donations/internal/events"
	platformgrpc "github.com/louisbranch/donations/internal/platform/grpc"
	aggregatorapp "github.com/louisbranch/donations/internal/services/aggregator/app"
	aggdomain "github.com/louisbranch/donations/internal/services/aggregator/domain"
	intakeapp "github.com/louisbranch/donations/internal/services/intake/app"
	intakedomain "github.com/louisbranch/donations/internal/services/intake/domain"
	paymentsapp "github.com/louisbranch/donations/internal/services/payments/app"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

const (
	donationsTopic     = "donations.requested"
	paymentsTopic      = "payments.settled"
	registrationsTopic = "users.registered"
)

// integrationTimeout bounds every wait on the asynchronous saga.
func integrationTimeout() time.Duration {
	return 10 * time.Second
}

// saga runs intake, payments and the aggregator over one in-memory broker.
type saga struct {
	broker     *memory.Broker
	intake     *intakeapp.Runtime
	payments   *paymentsapp.Runtime
	aggregator *aggregatorapp.Runtime
}

// startSaga boots every service, creates campaigns and waits for each
// service to report SERVING.
func startSaga(t *testing.T, openingCents int64, campaignIDs ...string) *saga {
	t.Helper()
	dir := t.TempDir()
	broker := memory.New()
	t.Cleanup(func() { _ = broker.Close() })
	bus := driver.Config{
		Driver:             driver.Memory,
		Partitions:         3,
		DonationsTopic:     donationsTopic,
		PaymentsTopic:      paymentsTopic,
		RegistrationsTopic: registrationsTopic,
	}
	fastRetry := eventbus.HandlerRetry{Attempts: 3, Delay: time.Millisecond}
	ctx := context.Background()

	agg, err := aggregatorapp.NewRuntime(ctx, aggregatorapp.RuntimeConfig{
		HTTPAddr:     "127.0.0.1:0",
		HealthAddr:   "127.0.0.1:0",
		Bus:          bus,
		Broker:       broker,
		LedgerPath:   filepath.Join(dir, "campaigns.db"),
		Members:      2,
		HandlerRetry: fastRetry,
		CacheTTL:     time.Hour,
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	t.Cleanup(agg.Close)
	for _, id := range campaignIDs {
		c, err := aggdomain.NewCampaign(id, "Campaign "+id, 0, time.Now())
		if err != nil {
			t.Fatalf("new campaign: %v", err)
		}
		if _, err := agg.Ledger().CreateCampaign(ctx, c); err != nil {
			t.Fatalf("create campaign: %v", err)
		}
	}

	pay, err := paymentsapp.NewRuntime(ctx, paymentsapp.RuntimeConfig{
		HealthAddr:          "127.0.0.1:0",
		Bus:                 bus,
		Broker:              broker,
		LedgerPath:          filepath.Join(dir, "payments.db"),
		OpeningBalanceCents: openingCents,
		Members:             2,
		HandlerRetry:        fastRetry,
		Relay:               paymentsapp.RelayConfig{PollInterval: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new payments: %v", err)
	}
	t.Cleanup(pay.Close)

	in, err := intakeapp.NewRuntime(ctx, intakeapp.RuntimeConfig{
		HTTPAddr:        "127.0.0.1:0",
		HealthAddr:      "127.0.0.1:0",
		Bus:             bus,
		Broker:          broker,
		IdempotencyPath: filepath.Join(dir, "idempotency.db"),
		CampaignDBPath:  filepath.Join(dir, "campaigns.db"),
		InFlightWait:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	t.Cleanup(in.Close)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 3)
	go func() { done <- agg.Serve(runCtx) }()
	go func() { done <- pay.Serve(runCtx) }()
	go func() { done <- in.Serve(runCtx) }()
	t.Cleanup(func() {
		cancel()
		for range 3 {
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("serve: %v", err)
				}
			case <-time.After(integrationTimeout()):
				t.Error("service did not stop")
			}
		}
	})

	s := &saga{broker: broker, intake: in, payments: pay, aggregator: agg}
	s.waitForHealth(t, in.HealthAddr(), intakeapp.HealthService)
	s.waitForHealth(t, pay.HealthAddr(), paymentsapp.HealthService)
	s.waitForHealth(t, agg.HealthAddr(), aggregatorapp.HealthService)
	return s
}

func (s *saga) waitForHealth(t *testing.T, addr, service string) {
	t.Helper()
	conn, err := platformgrpc.DialWithHealth(context.Background(), addr, service, integrationTimeout(), t.Logf)
	if err != nil {
		t.Fatalf("wait for %s: %v", service, err)
	}
	_ = conn.Close()
}

// register opens an account for userID and waits until payments holds it.
func (s *saga) register(t *testing.T, userID string) {
	t.Helper()
	msg, err := events.Encode("reg-"+userID, time.Now(), events.UserRegistered{UserID: userID, Username: userID})
	if err != nil {
		t.Fatalf("encode registration: %v", err)
	}
	if err := s.broker.Publish(context.Background(), registrationsTopic, msg); err != nil {
		t.Fatalf("publish registration: %v", err)
	}
	waitUntil(t, "account "+userID, func() bool {
		_, err := s.payments.Ledger().GetAccount(context.Background(), userID)
		return err == nil
	})
}

type donationResponse struct {
	status   int
	replayed bool
	receipt  intakedomain.Receipt
	errorCode string
}

// donate posts a donation through the intake HTTP API.
func (s *saga) donate(t *testing.T, key, userID, campaignID, amount string) donationResponse {
	t.Helper()
	resp, err := s.postDonation(key, userID, campaignID, amount)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// postDonation is donate for callers outside the test goroutine.
func (s *saga) postDonation(key, userID, campaignID, amount string) (donationResponse, error) {
	body := `{"campaignId":"` + campaignID + `","amount":"` + amount + `"}`
	req, err := http.NewRequest(http.MethodPost, "http://"+s.intake.HTTPAddr()+"/v1/donations", strings.NewReader(body))
	if err != nil {
		return donationResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-User-Email", userID+"@example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return donationResponse{}, fmt.Errorf("post donation: %w", err)
	}
	defer resp.Body.Close()

	out := donationResponse{status: resp.StatusCode, replayed: resp.Header.Get("Idempotent-Replayed") == "true"}
	if resp.StatusCode == http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(&out.receipt); err != nil {
			return out, fmt.Errorf("decode receipt: %w", err)
		}
		return out, nil
	}
	var failure struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil {
		return out, fmt.Errorf("decode error: %w", err)
	}
	out.errorCode = failure.Error.Code
	return out, nil
}

// settle waits until n payment outcomes exist and the aggregator consumed
// them all, then returns the decoded outcomes.
func (s *saga) settle(t *testing.T, n int) []events.PaymentSettled {
	t.Helper()
	waitUntil(t, "payment outcomes", func() bool {
		return len(s.broker.Messages(paymentsTopic)) >= n
	})
	s.drain(t)
	msgs := s.broker.Messages(paymentsTopic)
	if len(msgs) != n {
		t.Fatalf("payment outcomes = %d, want %d", len(msgs), n)
	}
	outcomes := make([]events.PaymentSettled, 0, n)
	for _, msg := range msgs {
		var settled events.PaymentSettled
		if _, err := events.Decode(msg, events.TypePaymentSettled, &settled); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		outcomes = append(outcomes, settled)
	}
	return outcomes
}

// drain waits until every consumer group committed everything published.
func (s *saga) drain(t *testing.T) {
	t.Helper()
	groups := []struct{ topic, group string }{
		{registrationsTopic, paymentsapp.RegistrationsGroup},
		{donationsTopic, paymentsapp.DonationsGroup},
		{paymentsTopic, aggregatorapp.PaymentsGroup},
	}
	waitUntil(t, "consumers to drain", func() bool {
		for _, g := range groups {
			pending, err := s.broker.Pending(g.topic, g.group)
			if err != nil || pending != 0 {
				return false
			}
		}
		return true
	})
}

func (s *saga) balance(t *testing.T, userID string) int64 {
	t.Helper()
	account, err := s.payments.Ledger().GetAccount(context.Background(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no account for %s", userID)
	}
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.BalanceCents
}

// raised reads a campaign total through the cached read API.
func (s *saga) raised(t *testing.T, campaignID string) int64 {
	t.Helper()
	resp, err := http.Get("http://" + s.aggregator.HTTPAddr() + "/v1/campaigns/" + campaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get campaign status = %d", resp.StatusCode)
	}
	var body struct {
		RaisedCents int64 `json:"raisedCents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	return body.RaisedCents
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(integrationTimeout())
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
