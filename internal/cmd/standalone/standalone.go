// Package standalone runs intake, payments and the aggregator in one process
// over an in-memory event bus.
package standalone

import (
	"context"
	"flag"
	"path/filepath"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/cmd/aggregator"
	"github.com/louisbranch/donations/internal/cmd/intake"
	"github.com/louisbranch/donations/internal/cmd/payments"
	"github.com/louisbranch/donations/internal/cmd/seed"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	"github.com/louisbranch/donations/internal/eventbus/memory"
	entrypoint "github.com/louisbranch/donations/internal/platform/cmd"
	aggregatorapp "github.com/louisbranch/donations/internal/services/aggregator/app"
	intakeapp "github.com/louisbranch/donations/internal/services/intake/app"
	paymentsapp "github.com/louisbranch/donations/internal/services/payments/app"
	"golang.org/x/sync/errgroup"
)

var logger = loggo.GetLogger("donations.standalone")

// Config holds standalone command configuration. Service settings are read
// from the same variables the individual commands use.
type Config struct {
	DataDir   string `env:"DONATIONS_STANDALONE_DATA_DIR" envDefault:"data"`
	Seed      bool   `env:"DONATIONS_STANDALONE_SEED" envDefault:"true"`
	SeedUsers int    `env:"DONATIONS_SEED_USERS" envDefault:"3"`
	LogConfig string `env:"DONATIONS_LOG_CONFIG" envDefault:"<root>=INFO"`

	Intake     intake.Config
	Payments   payments.Config
	Aggregator aggregator.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding every service database")
	fs.BoolVar(&cfg.Seed, "seed", cfg.Seed, "Load demo campaigns and donors at startup")
	fs.IntVar(&cfg.Intake.HTTPPort, "intake-port", cfg.Intake.HTTPPort, "The intake HTTP server port")
	fs.IntVar(&cfg.Aggregator.HTTPPort, "aggregator-port", cfg.Aggregator.HTTPPort, "The campaign read API port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Runtimes holds the per-service runtime configs with a shared broker and
// database paths under DataDir.
type Runtimes struct {
	Intake     intakeapp.RuntimeConfig
	Payments   paymentsapp.RuntimeConfig
	Aggregator aggregatorapp.RuntimeConfig
}

// Runtimes builds the service runtime configs around broker.
func (c Config) Runtimes(broker eventbus.Broker) (Runtimes, error) {
	bus := c.Intake.Bus
	bus.Driver = driver.Memory

	aggregatorCfg := c.Aggregator.Runtime()
	aggregatorCfg.Bus = bus
	aggregatorCfg.Broker = broker
	aggregatorCfg.LedgerPath = filepath.Join(c.DataDir, "campaigns.db")

	paymentsCfg, err := c.Payments.Runtime()
	if err != nil {
		return Runtimes{}, err
	}
	paymentsCfg.Bus = bus
	paymentsCfg.Broker = broker
	paymentsCfg.LedgerPath = filepath.Join(c.DataDir, "payments.db")

	intakeCfg := c.Intake.Runtime()
	intakeCfg.Bus = bus
	intakeCfg.Broker = broker
	intakeCfg.StoreDriver = intakeapp.StoreBolt
	intakeCfg.IdempotencyPath = filepath.Join(c.DataDir, "idempotency.db")
	intakeCfg.CampaignDBPath = aggregatorCfg.LedgerPath

	return Runtimes{Intake: intakeCfg, Payments: paymentsCfg, Aggregator: aggregatorCfg}, nil
}

// Run starts every service and blocks until ctx is done.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceStandalone, entrypoint.RunOptions{LogSpec: cfg.LogConfig}, func(ctx context.Context) error {
		broker := memory.New()
		defer broker.Close()
		runtimes, err := cfg.Runtimes(broker)
		if err != nil {
			return err
		}

		// The aggregator creates the campaign ledger intake reads from.
		agg, err := aggregatorapp.NewRuntime(ctx, runtimes.Aggregator)
		if err != nil {
			return err
		}
		defer agg.Close()
		pay, err := paymentsapp.NewRuntime(ctx, runtimes.Payments)
		if err != nil {
			return err
		}
		defer pay.Close()
		in, err := intakeapp.NewRuntime(ctx, runtimes.Intake)
		if err != nil {
			return err
		}
		defer in.Close()

		if cfg.Seed {
			result, err := seed.Apply(ctx, seed.DefaultFixture(cfg.SeedUsers), agg.Ledger(), broker, runtimes.Payments.Bus.RegistrationsTopic, time.Now())
			if err != nil {
				return err
			}
			logger.Infof("seeded %d campaigns and registered %d donors", result.CampaignsCreated, result.UsersRegistered)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return agg.Serve(gctx) })
		g.Go(func() error { return pay.Serve(gctx) })
		g.Go(func() error { return in.Serve(gctx) })
		logger.Infof("intake at %s, campaigns at %s", in.HTTPAddr(), agg.HTTPAddr())
		return g.Wait()
	})
}
