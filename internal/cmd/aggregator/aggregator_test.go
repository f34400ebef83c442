package aggregator

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaultsAndFlags(t *testing.T) {
	t.Setenv("DONATIONS_AGGREGATOR_CACHE_SIZE", "64")
	t.Setenv("DONATIONS_BUS_TOPIC_PAYMENTS", "payments.v2")
	fs := flag.NewFlagSet("aggregator", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, []string{"-cache-ttl", "5s", "-port", "7000"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	rt := cfg.Runtime()
	if rt.HTTPAddr != ":7000" || rt.HealthAddr != ":8084" {
		t.Fatalf("addrs = %q, %q", rt.HTTPAddr, rt.HealthAddr)
	}
	if rt.CacheSize != 64 || rt.CacheTTL != 5*time.Second {
		t.Fatalf("cache = %d, %v", rt.CacheSize, rt.CacheTTL)
	}
	if rt.Bus.PaymentsTopic != "payments.v2" || rt.LedgerPath != "data/campaigns.db" {
		t.Fatalf("runtime = %+v", rt)
	}
}
