package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	"github.com/louisbranch/donations/internal/services/payments/storage"
)

const (
	defaultRelayOwner    = "payments-relay"
	defaultRelayBatch    = 50
	defaultPollInterval  = time.Second
	defaultLeaseTTL      = 30 * time.Second
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = time.Minute
)

// RelayConfig controls outbox polling and publish retry.
type RelayConfig struct {
	Owner         string
	BatchSize     int
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c RelayConfig) normalized() RelayConfig {
	c.Owner = strings.TrimSpace(c.Owner)
	if c.Owner == "" {
		c.Owner = defaultRelayOwner
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRelayBatch
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	return c
}

// Relay publishes settled outcomes from the outbox. Rows are never dropped:
// a failed publish is rescheduled with capped exponential backoff.
type Relay struct {
	store     storage.OutboxStore
	publisher eventbus.Publisher
	cfg       RelayConfig
	clock     clock.Clock
	logf      func(string, ...any)
	wake      chan struct{}
}

// NewRelay builds a relay over store.
func NewRelay(store storage.OutboxStore, publisher eventbus.Publisher, cfg RelayConfig, clk clock.Clock, logf func(string, ...any)) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg.normalized(),
		clock:     clk,
		logf:      logf,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Notify asks a waiting relay to poll now.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		n, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logf("outbox relay: %v", err)
		}
		if err == nil && n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		case <-r.clock.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce leases one batch of due events and publishes them in order. It
// returns the number of events leased.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.store.LeaseOutboxEvents(ctx, r.cfg.Owner, r.cfg.BatchSize, r.clock.Now(), r.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox events: %w", err)
	}
	for _, event := range batch {
		r.publish(ctx, event)
	}
	return len(batch), nil
}

func (r *Relay) publish(ctx context.Context, event storage.OutboxEvent) {
	msg := eventbus.OutboundMessage{
		Key:     event.Key,
		Payload: event.Payload,
		Headers: events.Headers(event.ID, events.Type(event.EventType)),
	}
	publishCtx, cancel := context.WithTimeout(ctx, timeouts.Publish)
	publishErr := r.publisher.Publish(publishCtx, event.Topic, msg)
	cancel()

	// Marking must land even during shutdown, or the row is republished
	// after its lease expires.
	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), timeouts.LedgerCall)
	defer cancelMark()
	now := r.clock.Now()
	if publishErr == nil {
		if err := r.store.MarkOutboxPublished(markCtx, event.ID, r.cfg.Owner, now); err != nil {
			r.logf("outbox relay: mark %s published: %v", event.ID, err)
		}
		return
	}

	delay := RetryDelay(r.cfg.RetryBackoff, r.cfg.RetryMaxDelay, event.AttemptCount)
	r.logf("outbox relay: publish %s (attempt %d): %v; retrying in %s", event.ID, event.AttemptCount+1, publishErr, delay)
	if err := r.store.MarkOutboxRetry(markCtx, event.ID, r.cfg.Owner, now.Add(delay), publishErr.Error()); err != nil {
		r.logf("outbox relay: mark %s for retry: %v", event.ID, err)
	}
}

// RetryDelay doubles base for every previous attempt, capped at maxDelay.
func RetryDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return min(delay, maxDelay)
}
