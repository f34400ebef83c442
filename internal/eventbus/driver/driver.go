// Package driver selects the event bus implementation from configuration.
package driver

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/kafka"
	"github.com/louisbranch/donations/internal/eventbus/memory"
)

// Supported drivers.
const (
	Kafka  = "kafka"
	Memory = "memory"
)

// Config holds the bus settings shared by every service.
type Config struct {
	Driver            string        `env:"DONATIONS_BUS_DRIVER" envDefault:"kafka"`
	Brokers           []string      `env:"DONATIONS_BUS_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Partitions        int           `env:"DONATIONS_BUS_PARTITIONS" envDefault:"3"`
	ReplicationFactor int           `env:"DONATIONS_BUS_REPLICATION" envDefault:"1"`
	TopicAttempts     int           `env:"DONATIONS_BUS_TOPIC_ATTEMPTS" envDefault:"10"`
	TopicDelay        time.Duration `env:"DONATIONS_BUS_TOPIC_DELAY" envDefault:"3s"`
	SubscribeAttempts int           `env:"DONATIONS_BUS_SUBSCRIBE_ATTEMPTS" envDefault:"15"`
	SubscribeDelay    time.Duration `env:"DONATIONS_BUS_SUBSCRIBE_DELAY" envDefault:"2s"`

	DonationsTopic     string `env:"DONATIONS_BUS_TOPIC_DONATIONS" envDefault:"donations.requested"`
	PaymentsTopic      string `env:"DONATIONS_BUS_TOPIC_PAYMENTS" envDefault:"payments.settled"`
	RegistrationsTopic string `env:"DONATIONS_BUS_TOPIC_REGISTRATIONS" envDefault:"users.registered"`
}

// Topic returns the provisioning config for name.
func (c Config) Topic(name string) eventbus.TopicConfig {
	partitions := c.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := c.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	return eventbus.TopicConfig{Name: name, Partitions: partitions, ReplicationFactor: replication}
}

// TopicRetry is the startup budget for topic provisioning.
func (c Config) TopicRetry() eventbus.RetryPolicy {
	return eventbus.RetryPolicy{Attempts: c.TopicAttempts, Delay: c.TopicDelay}
}

// SubscribeRetry is the startup budget for joining consumer groups.
func (c Config) SubscribeRetry() eventbus.RetryPolicy {
	return eventbus.RetryPolicy{Attempts: c.SubscribeAttempts, Delay: c.SubscribeDelay}
}

// Open builds the configured broker.
func Open(cfg Config) (eventbus.Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case Kafka, "":
		broker, err := kafka.New(kafka.Config{Brokers: cfg.Brokers})
		if err != nil {
			return nil, fmt.Errorf("open kafka broker: %w", err)
		}
		return broker, nil
	case Memory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}
