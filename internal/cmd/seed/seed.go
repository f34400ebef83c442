// Package seed loads demo campaigns into the campaign ledger and registers
// demo donors through the event bus.
package seed

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	"github.com/louisbranch/donations/internal/events"
	entrypoint "github.com/louisbranch/donations/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/donations/internal/platform/grpc"
	"github.com/louisbranch/donations/internal/platform/id"
	"github.com/louisbranch/donations/internal/platform/logging"
	"github.com/louisbranch/donations/internal/platform/money"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
	aggsqlite "github.com/louisbranch/donations/internal/services/aggregator/storage/sqlite"
	paymentsapp "github.com/louisbranch/donations/internal/services/payments/app"
)

var logger = loggo.GetLogger("donations.seed")

// Config holds seed command configuration.
type Config struct {
	CampaignDBPath     string        `env:"DONATIONS_SEED_CAMPAIGN_DB_PATH" envDefault:"data/campaigns.db"`
	Users              int           `env:"DONATIONS_SEED_USERS" envDefault:"3"`
	PaymentsHealthAddr string        `env:"DONATIONS_SEED_PAYMENTS_HEALTH_ADDR"`
	WaitTimeout        time.Duration `env:"DONATIONS_SEED_WAIT_TIMEOUT" envDefault:"30s"`
	LogConfig          string        `env:"DONATIONS_LOG_CONFIG" envDefault:"<root>=INFO"`

	Bus driver.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.CampaignDBPath, "campaign-db-path", cfg.CampaignDBPath, "The campaign ledger SQLite path")
	fs.IntVar(&cfg.Users, "users", cfg.Users, "Number of demo donors to register")
	fs.StringVar(&cfg.PaymentsHealthAddr, "wait-for-payments", cfg.PaymentsHealthAddr, "Payments health address to wait on before registering donors")
	fs.StringVar(&cfg.Bus.Driver, "bus", cfg.Bus.Driver, "Event bus driver (kafka, memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Users < 0 {
		return Config{}, fmt.Errorf("users must not be negative")
	}
	return cfg, nil
}

// Campaign is a fixture campaign.
type Campaign struct {
	ID   string
	Name string
	Goal string
}

// User is a fixture donor.
type User struct {
	ID       string
	Username string
	Email    string
}

// Fixture is the data a seed run loads.
type Fixture struct {
	Campaigns []Campaign
	Users     []User
}

// DefaultFixture returns the demo campaigns and the given number of donors.
func DefaultFixture(users int) Fixture {
	f := Fixture{
		Campaigns: []Campaign{
			{ID: "clean-water", Name: "Clean water", Goal: "5000.00"},
			{ID: "winter-shelter", Name: "Winter shelter", Goal: "2500.00"},
			{ID: "school-books", Name: "School books", Goal: "1000.00"},
		},
	}
	for i := 1; i <= users; i++ {
		username := fmt.Sprintf("donor-%d", i)
		f.Users = append(f.Users, User{ID: fmt.Sprintf("user-%d", i), Username: username, Email: username + "@example.com"})
	}
	return f
}

// Result counts what a seed run changed.
type Result struct {
	CampaignsCreated int
	UsersRegistered  int
}

// Apply creates missing campaigns and publishes one user-registered event
// per user. Rerunning it is harmless: campaigns are created once and payments
// opens each account once.
func Apply(ctx context.Context, f Fixture, campaigns storage.CampaignStore, publisher eventbus.Publisher, topic string, now time.Time) (Result, error) {
	var result Result
	for _, c := range f.Campaigns {
		goal, err := money.ParseAmount(c.Goal)
		if err != nil {
			return result, fmt.Errorf("campaign %s goal: %w", c.ID, err)
		}
		campaign, err := domain.NewCampaign(c.ID, c.Name, goal, now)
		if err != nil {
			return result, err
		}
		created, err := campaigns.CreateCampaign(ctx, campaign)
		if err != nil {
			return result, err
		}
		if created {
			result.CampaignsCreated++
		}
	}
	for _, u := range f.Users {
		eventID, err := id.NewID()
		if err != nil {
			return result, err
		}
		msg, err := events.Encode(eventID, now, events.UserRegistered{
			UserID:       u.ID,
			Username:     u.Username,
			Email:        u.Email,
			RegisteredAt: now,
		})
		if err != nil {
			return result, err
		}
		if err := publisher.Publish(ctx, topic, msg); err != nil {
			return result, fmt.Errorf("register %s: %w", u.ID, err)
		}
		result.UsersRegistered++
	}
	return result, nil
}

// Run executes the seed command.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceSeed, entrypoint.RunOptions{LogSpec: cfg.LogConfig}, func(ctx context.Context) error {
		logf := logging.Printf(logger)
		if cfg.PaymentsHealthAddr != "" {
			conn, err := platformgrpc.DialWithHealth(ctx, cfg.PaymentsHealthAddr, paymentsapp.HealthService, cfg.WaitTimeout, logf)
			if err != nil {
				return fmt.Errorf("wait for payments: %w", err)
			}
			_ = conn.Close()
		}

		store, err := aggsqlite.Open(ctx, cfg.CampaignDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		broker, err := driver.Open(cfg.Bus)
		if err != nil {
			return err
		}
		defer broker.Close()
		topic := cfg.Bus.Topic(cfg.Bus.RegistrationsTopic)
		if err := eventbus.EnsureTopic(ctx, broker, topic, cfg.Bus.TopicRetry(), logf); err != nil {
			return err
		}

		result, err := Apply(ctx, DefaultFixture(cfg.Users), store, broker, topic.Name, time.Now())
		if err != nil {
			return err
		}
		logger.Infof("seeded %d campaigns and registered %d donors", result.CampaignsCreated, result.UsersRegistered)
		return nil
	})
}
