package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "campaigns.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func createCampaign(t *testing.T, store *Store, id string) {
	t.Helper()
	campaign, err := domain.NewCampaign(id, "Campaign "+id, 100000, base)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	if _, err := store.CreateCampaign(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
}

func payment(donationID, campaignID string, cents int64) domain.Payment {
	return domain.Payment{
		EventID:     "evt-" + donationID,
		DonationID:  donationID,
		CampaignID:  campaignID,
		AmountCents: cents,
		SettledAt:   base,
	}
}

func TestCreateAndReadCampaigns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	campaign, err := domain.NewCampaign("c2", "Shelter", 5000, base)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	created, err := store.CreateCampaign(ctx, campaign)
	if err != nil || !created {
		t.Fatalf("create = %v, %v", created, err)
	}
	campaign.Name = "Renamed"
	if created, err := store.CreateCampaign(ctx, campaign); err != nil || created {
		t.Fatalf("second create = %v, %v", created, err)
	}
	createCampaign(t, store, "c1")

	got, err := store.GetCampaign(ctx, "c2")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Name != "Shelter" || got.GoalCents != 5000 || !got.CreatedAt.Equal(base) {
		t.Fatalf("campaign = %+v", got)
	}
	if _, err := store.GetCampaign(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err = %v", err)
	}

	list, err := store.ListCampaigns(ctx)
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c1" || list[1].ID != "c2" {
		t.Fatalf("list = %+v", list)
	}
}

func TestListCampaignsEmpty(t *testing.T) {
	list, err := openTestStore(t).ListCampaigns(context.Background())
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("list = %#v, want empty slice", list)
	}
}

func TestApplyPaymentOncePerDonation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createCampaign(t, store, "c1")

	first, err := store.ApplyPayment(ctx, payment("d1", "c1", 2500), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Duplicate || first.Campaign.RaisedCents != 2500 {
		t.Fatalf("first = %+v", first)
	}
	if !first.Campaign.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("updated at = %v", first.Campaign.UpdatedAt)
	}

	redelivered := payment("d1", "c1", 2500)
	redelivered.EventID = "evt-other"
	second, err := store.ApplyPayment(ctx, redelivered, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if !second.Duplicate || second.Campaign.RaisedCents != 2500 {
		t.Fatalf("second = %+v", second)
	}

	if _, err := store.ApplyPayment(ctx, payment("d2", "c1", 1000), base); err != nil {
		t.Fatalf("apply d2: %v", err)
	}
	got, err := store.GetCampaign(ctx, "c1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.RaisedCents != 3500 {
		t.Fatalf("raised = %d, want 3500", got.RaisedCents)
	}
}

func TestApplyPaymentUnknownCampaign(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.ApplyPayment(ctx, payment("d1", "ghost", 100), base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}

	// The donation was not recorded, so it applies once the campaign exists.
	createCampaign(t, store, "ghost")
	result, err := store.ApplyPayment(ctx, payment("d1", "ghost", 100), base)
	if err != nil {
		t.Fatalf("apply after create: %v", err)
	}
	if result.Duplicate || result.Campaign.RaisedCents != 100 {
		t.Fatalf("result = %+v", result)
	}
}

func TestApplyPaymentConcurrentRedeliveries(t *testing.T) {
	store := openTestStore(t)
	createCampaign(t, store, "c1")

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 20 {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ApplyPayment(context.Background(), payment(fmt.Sprintf("d%d", i), "c1", 100), base)
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	got, err := store.GetCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.RaisedCents != 2000 {
		t.Fatalf("raised = %d, want 2000", got.RaisedCents)
	}
}

func TestApplyPaymentValidation(t *testing.T) {
	store := openTestStore(t)
	tests := []struct {
		name    string
		payment domain.Payment
	}{
		{name: "missing donation", payment: payment("", "c1", 100)},
		{name: "missing campaign", payment: payment("d1", "", 100)},
		{name: "zero amount", payment: payment("d1", "c1", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.ApplyPayment(context.Background(), tt.payment, base); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAttemptsShareLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Attempts().RecordAttempt(ctx, eventbus.Attempt{
		Topic:     "payments.settled",
		Group:     "aggregator-payments",
		Outcome:   eventbus.OutcomeSucceeded,
		CreatedAt: base,
	}); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	records, err := store.Attempts().ListAttempts(ctx, 5)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(records) != 1 || records[0].Group != "aggregator-payments" {
		t.Fatalf("records = %+v", records)
	}
}
