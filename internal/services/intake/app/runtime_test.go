package app

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/louisbranch/donations/internal/eventbus/driver"
	"github.com/louisbranch/donations/internal/eventbus/memory"
	"github.com/louisbranch/donations/internal/platform/storage/sqlitestore"
	"github.com/louisbranch/donations/internal/platform/timeouts"
)

func seedCampaignDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaigns.db")
	migrations := fstest.MapFS{
		"001_campaigns.sql": &fstest.MapFile{Data: []byte("CREATE TABLE campaigns (id TEXT PRIMARY KEY, name TEXT NOT NULL);")},
	}
	db, err := sqlitestore.Open(context.Background(), path, migrations)
	if err != nil {
		t.Fatalf("open campaign db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("INSERT INTO campaigns (id, name) VALUES ('c1', 'Clean water')"); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
	return path
}

func TestRuntimeServesDonations(t *testing.T) {
	broker := memory.New()
	defer broker.Close()

	cfg := RuntimeConfig{
		HTTPAddr:        "127.0.0.1:0",
		HealthAddr:      "127.0.0.1:0",
		Bus:             driver.Config{Partitions: 2, DonationsTopic: "donations.requested"},
		Broker:          broker,
		IdempotencyPath: filepath.Join(t.TempDir(), "idempotency.db"),
		CampaignDBPath:  seedCampaignDB(t),
	}
	rt, err := NewRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, "http://"+rt.HTTPAddr()+"/v1/donations",
			strings.NewReader(`{"campaignId":"c1","amount":"10.00"}`))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Idempotency-Key", "k1")
		req.Header.Set("X-User-ID", "u1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post donation: %v", err)
		}
		resp.Body.Close()
		return resp
	}
	first := post()
	second := post()
	if first.StatusCode != http.StatusAccepted || second.StatusCode != http.StatusAccepted {
		t.Fatalf("statuses = %d, %d", first.StatusCode, second.StatusCode)
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatal("second response not marked replayed")
	}
	if got := len(broker.Messages("donations.requested")); got != 1 {
		t.Fatalf("published %d donation events, want 1", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestNewRuntimeRejectsMissingCampaignDB(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	_, err := NewRuntime(context.Background(), RuntimeConfig{
		HTTPAddr:        "127.0.0.1:0",
		HealthAddr:      "127.0.0.1:0",
		Broker:          broker,
		Bus:             driver.Config{DonationsTopic: "donations.requested"},
		IdempotencyPath: filepath.Join(t.TempDir(), "idempotency.db"),
		CampaignDBPath:  filepath.Join(t.TempDir(), "missing.db"),
	})
	if err == nil {
		t.Fatal("expected error for missing campaign database")
	}
}

func TestNewRuntimeRejectsShortPendingTimeout(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	_, err := NewRuntime(context.Background(), RuntimeConfig{
		HTTPAddr:        "127.0.0.1:0",
		HealthAddr:      "127.0.0.1:0",
		Broker:          broker,
		Bus:             driver.Config{DonationsTopic: "donations.requested"},
		IdempotencyPath: filepath.Join(t.TempDir(), "idempotency.db"),
		PendingTimeout:  timeouts.Publish,
	})
	if err == nil || !strings.Contains(err.Error(), "pending timeout") {
		t.Fatalf("err = %v, want pending timeout error", err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore(context.Background(), RuntimeConfig{StoreDriver: "redis"}); err == nil {
		t.Fatal("expected error")
	}
}
