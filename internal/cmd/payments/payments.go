// Package payments parses payments command flags and launches the payment
// processor runtime.
package payments

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	entrypoint "github.com/louisbranch/donations/internal/platform/cmd"
	"github.com/louisbranch/donations/internal/platform/money"
	paymentsapp "github.com/louisbranch/donations/internal/services/payments/app"
)

// Config holds payments command configuration.
type Config struct {
	HealthPort         int           `env:"DONATIONS_PAYMENTS_HEALTH_PORT" envDefault:"8082"`
	LedgerPath         string        `env:"DONATIONS_PAYMENTS_DB_PATH" envDefault:"data/payments.db"`
	OpeningBalance     string        `env:"DONATIONS_PAYMENTS_OPENING_BALANCE" envDefault:"100.00"`
	Members            int           `env:"DONATIONS_PAYMENTS_CONSUMERS" envDefault:"3"`
	HandlerAttempts    int           `env:"DONATIONS_PAYMENTS_HANDLER_ATTEMPTS" envDefault:"3"`
	HandlerDelay       time.Duration `env:"DONATIONS_PAYMENTS_HANDLER_DELAY" envDefault:"100ms"`
	RelayBatchSize     int           `env:"DONATIONS_PAYMENTS_RELAY_BATCH" envDefault:"50"`
	RelayPollInterval  time.Duration `env:"DONATIONS_PAYMENTS_RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayLeaseTTL      time.Duration `env:"DONATIONS_PAYMENTS_RELAY_LEASE_TTL" envDefault:"30s"`
	RelayRetryBackoff  time.Duration `env:"DONATIONS_PAYMENTS_RELAY_RETRY_BACKOFF" envDefault:"1s"`
	RelayRetryMaxDelay time.Duration `env:"DONATIONS_PAYMENTS_RELAY_RETRY_MAX_DELAY" envDefault:"1m"`
	LogConfig          string        `env:"DONATIONS_LOG_CONFIG" envDefault:"<root>=INFO"`

	Bus driver.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The payments health gRPC server port")
	fs.StringVar(&cfg.LedgerPath, "db-path", cfg.LedgerPath, "The account ledger SQLite path")
	fs.StringVar(&cfg.OpeningBalance, "opening-balance", cfg.OpeningBalance, "Balance credited to newly registered accounts")
	fs.IntVar(&cfg.Members, "consumers", cfg.Members, "Donation consumer group members")
	fs.DurationVar(&cfg.RelayPollInterval, "relay-poll-interval", cfg.RelayPollInterval, "Outbox relay poll interval")
	fs.StringVar(&cfg.Bus.Driver, "bus", cfg.Bus.Driver, "Event bus driver (kafka, memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Runtime converts cfg into the payments runtime configuration.
func (c Config) Runtime() (paymentsapp.RuntimeConfig, error) {
	opening, err := money.ParseAmount(c.OpeningBalance)
	if err != nil {
		return paymentsapp.RuntimeConfig{}, fmt.Errorf("opening balance: %w", err)
	}
	return paymentsapp.RuntimeConfig{
		HealthAddr:          fmt.Sprintf(":%d", c.HealthPort),
		Bus:                 c.Bus,
		LedgerPath:          c.LedgerPath,
		OpeningBalanceCents: opening,
		Members:             c.Members,
		HandlerRetry: eventbus.HandlerRetry{
			Attempts: c.HandlerAttempts,
			Delay:    c.HandlerDelay,
		},
		Relay: paymentsapp.RelayConfig{
			BatchSize:     c.RelayBatchSize,
			PollInterval:  c.RelayPollInterval,
			LeaseTTL:      c.RelayLeaseTTL,
			RetryBackoff:  c.RelayRetryBackoff,
			RetryMaxDelay: c.RelayRetryMaxDelay,
		},
	}, nil
}

// Run starts the payments runtime.
func Run(ctx context.Context, cfg Config) error {
	rtCfg, err := cfg.Runtime()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServicePayments, entrypoint.RunOptions{LogSpec: cfg.LogConfig}, func(ctx context.Context) error {
		return paymentsapp.Run(ctx, rtCfg)
	})
}
