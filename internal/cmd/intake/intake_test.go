package intake

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaultsAndFlags(t *testing.T) {
	t.Setenv("DONATIONS_INTAKE_HEALTH_PORT", "9191")
	t.Setenv("DONATIONS_BUS_BROKERS", "kafka-1:9092")
	fs := flag.NewFlagSet("intake", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, []string{"-port", "9090", "-idempotency-store", "dynamodb", "-bus", "memory"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 9090 || cfg.HealthPort != 9191 {
		t.Fatalf("ports = %d, %d", cfg.HTTPPort, cfg.HealthPort)
	}
	if cfg.StoreDriver != "dynamodb" || cfg.Bus.Driver != "memory" {
		t.Fatalf("drivers = %q, %q", cfg.StoreDriver, cfg.Bus.Driver)
	}
	if len(cfg.Bus.Brokers) != 1 || cfg.Bus.Brokers[0] != "kafka-1:9092" {
		t.Fatalf("brokers = %v", cfg.Bus.Brokers)
	}
	if cfg.Retention != 24*time.Hour || cfg.PendingTimeout != 30*time.Second {
		t.Fatalf("durations = %v, %v", cfg.Retention, cfg.PendingTimeout)
	}

	rt := cfg.Runtime()
	if rt.HTTPAddr != ":9090" || rt.HealthAddr != ":9191" || rt.CampaignDBPath != "data/campaigns.db" {
		t.Fatalf("runtime = %+v", rt)
	}
	if rt.Bus.DonationsTopic != "donations.requested" {
		t.Fatalf("donations topic = %q", rt.Bus.DonationsTopic)
	}
}

func TestParseConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("DONATIONS_INTAKE_RETENTION", "forever")
	if _, err := ParseConfig(flag.NewFlagSet("intake", flag.ContinueOnError), nil); err == nil {
		t.Fatal("expected error")
	}
}
