package standalone

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/louisbranch/donations/internal/eventbus/memory"
)

func TestRuntimesShareBrokerAndCampaignLedger(t *testing.T) {
	t.Setenv("DONATIONS_PAYMENTS_OPENING_BALANCE", "50.00")
	cfg, err := ParseConfig(flag.NewFlagSet("standalone", flag.ContinueOnError), []string{"-data-dir", "/var/lib/donations", "-intake-port", "9000"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	broker := memory.New()
	defer broker.Close()

	rts, err := cfg.Runtimes(broker)
	if err != nil {
		t.Fatalf("runtimes: %v", err)
	}
	campaigns := filepath.Join("/var/lib/donations", "campaigns.db")
	if rts.Aggregator.LedgerPath != campaigns || rts.Intake.CampaignDBPath != campaigns {
		t.Fatalf("campaign paths = %q, %q", rts.Aggregator.LedgerPath, rts.Intake.CampaignDBPath)
	}
	if rts.Intake.Broker != broker || rts.Payments.Broker != broker || rts.Aggregator.Broker != broker {
		t.Fatal("services do not share the broker")
	}
	if rts.Intake.HTTPAddr != ":9000" {
		t.Fatalf("intake addr = %q", rts.Intake.HTTPAddr)
	}
	if rts.Payments.OpeningBalanceCents != 5000 {
		t.Fatalf("opening = %d", rts.Payments.OpeningBalanceCents)
	}
	if rts.Intake.Bus.Driver != "memory" {
		t.Fatalf("bus driver = %q", rts.Intake.Bus.Driver)
	}
}

func TestRuntimesRejectBadOpeningBalance(t *testing.T) {
	t.Setenv("DONATIONS_PAYMENTS_OPENING_BALANCE", "free")
	cfg, err := ParseConfig(flag.NewFlagSet("standalone", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if _, err := cfg.Runtimes(memory.New()); err == nil {
		t.Fatal("expected error")
	}
}
