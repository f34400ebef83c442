// Package aggregator parses aggregator command flags and launches the campaign
// aggregator runtime.
package aggregator

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	entrypoint "github.com/louisbranch/donations/internal/platform/cmd"
	aggregatorapp "github.com/louisbranch/donations/internal/services/aggregator/app"
)

// Config holds aggregator command configuration.
type Config struct {
	HTTPPort        int           `env:"DONATIONS_AGGREGATOR_HTTP_PORT" envDefault:"8083"`
	HealthPort      int           `env:"DONATIONS_AGGREGATOR_HEALTH_PORT" envDefault:"8084"`
	LedgerPath      string        `env:"DONATIONS_AGGREGATOR_DB_PATH" envDefault:"data/campaigns.db"`
	Members         int           `env:"DONATIONS_AGGREGATOR_CONSUMERS" envDefault:"3"`
	HandlerAttempts int           `env:"DONATIONS_AGGREGATOR_HANDLER_ATTEMPTS" envDefault:"3"`
	HandlerDelay    time.Duration `env:"DONATIONS_AGGREGATOR_HANDLER_DELAY" envDefault:"100ms"`
	CacheSize       int           `env:"DONATIONS_AGGREGATOR_CACHE_SIZE" envDefault:"1024"`
	CacheTTL        time.Duration `env:"DONATIONS_AGGREGATOR_CACHE_TTL" envDefault:"30s"`
	LogConfig       string        `env:"DONATIONS_LOG_CONFIG" envDefault:"<root>=INFO"`

	Bus driver.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "The campaign read API port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The aggregator health gRPC server port")
	fs.StringVar(&cfg.LedgerPath, "db-path", cfg.LedgerPath, "The campaign ledger SQLite path")
	fs.IntVar(&cfg.Members, "consumers", cfg.Members, "Payment consumer group members")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Campaign read cache TTL")
	fs.StringVar(&cfg.Bus.Driver, "bus", cfg.Bus.Driver, "Event bus driver (kafka, memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Runtime converts cfg into the aggregator runtime configuration.
func (c Config) Runtime() aggregatorapp.RuntimeConfig {
	return aggregatorapp.RuntimeConfig{
		HTTPAddr:   fmt.Sprintf(":%d", c.HTTPPort),
		HealthAddr: fmt.Sprintf(":%d", c.HealthPort),
		Bus:        c.Bus,
		LedgerPath: c.LedgerPath,
		Members:    c.Members,
		HandlerRetry: eventbus.HandlerRetry{
			Attempts: c.HandlerAttempts,
			Delay:    c.HandlerDelay,
		},
		CacheSize: c.CacheSize,
		CacheTTL:  c.CacheTTL,
	}
}

// Run starts the aggregator runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceAggregator, entrypoint.RunOptions{LogSpec: cfg.LogConfig}, func(ctx context.Context) error {
		return aggregatorapp.Run(ctx, cfg.Runtime())
	})
}
