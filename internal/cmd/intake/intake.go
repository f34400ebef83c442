// Package intake parses intake command flags and launches the intake runtime.
package intake

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/donations/internal/eventbus/driver"
	entrypoint "github.com/louisbranch/donations/internal/platform/cmd"
	intakeapp "github.com/louisbranch/donations/internal/services/intake/app"
)

// Config holds intake command configuration.
type Config struct {
	HTTPPort        int           `env:"DONATIONS_INTAKE_HTTP_PORT" envDefault:"8080"`
	HealthPort      int           `env:"DONATIONS_INTAKE_HEALTH_PORT" envDefault:"8081"`
	StoreDriver     string        `env:"DONATIONS_INTAKE_IDEMPOTENCY_STORE" envDefault:"bbolt"`
	IdempotencyPath string        `env:"DONATIONS_INTAKE_IDEMPOTENCY_PATH" envDefault:"data/idempotency.db"`
	DynamoTable     string        `env:"DONATIONS_INTAKE_DYNAMODB_TABLE" envDefault:"donation-idempotency"`
	DynamoRegion    string        `env:"DONATIONS_INTAKE_DYNAMODB_REGION"`
	DynamoEndpoint  string        `env:"DONATIONS_INTAKE_DYNAMODB_ENDPOINT"`
	PendingTimeout  time.Duration `env:"DONATIONS_INTAKE_PENDING_TIMEOUT" envDefault:"30s"`
	Retention       time.Duration `env:"DONATIONS_INTAKE_RETENTION" envDefault:"24h"`
	SweepInterval   time.Duration `env:"DONATIONS_INTAKE_SWEEP_INTERVAL" envDefault:"10m"`
	InFlightWait    time.Duration `env:"DONATIONS_INTAKE_IN_FLIGHT_WAIT" envDefault:"2s"`
	CampaignDBPath  string        `env:"DONATIONS_INTAKE_CAMPAIGN_DB_PATH" envDefault:"data/campaigns.db"`
	LogConfig       string        `env:"DONATIONS_LOG_CONFIG" envDefault:"<root>=INFO"`

	Bus driver.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "The intake HTTP server port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The intake health gRPC server port")
	fs.StringVar(&cfg.StoreDriver, "idempotency-store", cfg.StoreDriver, "Idempotency store backend (bbolt, dynamodb)")
	fs.StringVar(&cfg.IdempotencyPath, "idempotency-path", cfg.IdempotencyPath, "The bbolt idempotency store path")
	fs.StringVar(&cfg.DynamoTable, "dynamodb-table", cfg.DynamoTable, "The DynamoDB idempotency table")
	fs.StringVar(&cfg.CampaignDBPath, "campaign-db-path", cfg.CampaignDBPath, "The campaign ledger read by existence checks")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "How long idempotency keys are remembered")
	fs.StringVar(&cfg.Bus.Driver, "bus", cfg.Bus.Driver, "Event bus driver (kafka, memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Runtime converts cfg into the intake runtime configuration.
func (c Config) Runtime() intakeapp.RuntimeConfig {
	return intakeapp.RuntimeConfig{
		HTTPAddr:        fmt.Sprintf(":%d", c.HTTPPort),
		HealthAddr:      fmt.Sprintf(":%d", c.HealthPort),
		Bus:             c.Bus,
		StoreDriver:     c.StoreDriver,
		IdempotencyPath: c.IdempotencyPath,
		DynamoTable:     c.DynamoTable,
		DynamoRegion:    c.DynamoRegion,
		DynamoEndpoint:  c.DynamoEndpoint,
		PendingTimeout:  c.PendingTimeout,
		Retention:       c.Retention,
		SweepInterval:   c.SweepInterval,
		InFlightWait:    c.InFlightWait,
		CampaignDBPath:  c.CampaignDBPath,
	}
}

// Run starts the intake runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceIntake, entrypoint.RunOptions{LogSpec: cfg.LogConfig}, func(ctx context.Context) error {
		return intakeapp.Run(ctx, cfg.Runtime())
	})
}
