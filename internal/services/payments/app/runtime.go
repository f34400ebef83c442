package app

import (
	"context"
	"fmt"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	platformgrpc "github.com/louisbranch/donations/internal/platform/grpc"
	"github.com/louisbranch/donations/internal/platform/logging"
	paymentsqlite "github.com/louisbranch/donations/internal/services/payments/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// Consumer groups joined by the payments service.
const (
	DonationsGroup     = "payments-donations"
	RegistrationsGroup = "payments-registrations"
)

// HealthService is the gRPC health service name payments reports.
const HealthService = "donations.payments"

var logger = loggo.GetLogger("donations.payments")

// RuntimeConfig controls payments startup.
type RuntimeConfig struct {
	HealthAddr string
	Bus        driver.Config
	// Broker, when set, is used instead of opening one from Bus and is not
	// closed by the runtime.
	Broker eventbus.Broker

	LedgerPath          string
	OpeningBalanceCents int64
	Members             int
	HandlerRetry        eventbus.HandlerRetry
	Relay               RelayConfig
}

// Runtime owns the payments process resources.
type Runtime struct {
	broker        eventbus.Broker
	ownsBroker    bool
	ledger        *paymentsqlite.Store
	relay         *Relay
	donations     *eventbus.Consumer
	registrations *eventbus.Consumer
	health        *platformgrpc.HealthServer
	closed        bool
}

// Run starts payments and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Serve(ctx)
}

// NewRuntime opens the ledger and the broker, ensures every topic the
// service touches and joins both consumer groups.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (_ *Runtime, err error) {
	logf := logging.Printf(logger)
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.ledger, err = paymentsqlite.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	rt.broker = cfg.Broker
	if rt.broker == nil {
		rt.broker, err = driver.Open(cfg.Bus)
		if err != nil {
			return nil, err
		}
		rt.ownsBroker = true
	}
	donationsTopic := cfg.Bus.Topic(cfg.Bus.DonationsTopic)
	paymentsTopic := cfg.Bus.Topic(cfg.Bus.PaymentsTopic)
	registrationsTopic := cfg.Bus.Topic(cfg.Bus.RegistrationsTopic)
	for _, topic := range []eventbus.TopicConfig{donationsTopic, paymentsTopic, registrationsTopic} {
		if err := eventbus.EnsureTopic(ctx, rt.broker, topic, cfg.Bus.TopicRetry(), logf); err != nil {
			return nil, err
		}
	}

	rt.relay, err = NewRelay(rt.ledger, rt.broker, cfg.Relay, nil, logf)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(ProcessorDeps{
		Ledger:    rt.ledger,
		Publisher: rt.broker,
		Topic:     paymentsTopic.Name,
		Retry:     cfg.HandlerRetry,
		OnSettled: rt.relay.Notify,
		Logf:      logf,
	})
	if err != nil {
		return nil, err
	}
	registrations, err := NewRegistrations(rt.ledger, cfg.OpeningBalanceCents, nil, logf)
	if err != nil {
		return nil, err
	}

	rt.donations, err = eventbus.NewConsumer(rt.broker, eventbus.ConsumerConfig{
		Topic:     donationsTopic.Name,
		Group:     DonationsGroup,
		Members:   cfg.Members,
		Handler:   processor.HandleDonation,
		Subscribe: cfg.Bus.SubscribeRetry(),
		Recorder:  rt.ledger.Attempts(),
		Logf:      logf,
	})
	if err != nil {
		return nil, err
	}
	rt.registrations, err = eventbus.NewConsumer(rt.broker, eventbus.ConsumerConfig{
		Topic:     registrationsTopic.Name,
		Group:     RegistrationsGroup,
		Handler:   eventbus.RetryTransient(registrations.HandleRegistration, cfg.HandlerRetry),
		Subscribe: cfg.Bus.SubscribeRetry(),
		Recorder:  rt.ledger.Attempts(),
		Logf:      logf,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.donations.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", donationsTopic.Name, err)
	}
	if err := rt.registrations.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", registrationsTopic.Name, err)
	}

	rt.health, err = platformgrpc.ListenHealth(cfg.HealthAddr)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// HealthAddr returns the bound health address.
func (r *Runtime) HealthAddr() string {
	if r == nil || r.health == nil || r.health.Addr() == nil {
		return ""
	}
	return r.health.Addr().String()
}

// Ledger exposes the account ledger.
func (r *Runtime) Ledger() *paymentsqlite.Store {
	return r.ledger
}

// Serve runs both consumers and the outbox relay until ctx is done.
func (r *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.donations.Run(gctx) })
	g.Go(func() error { return r.registrations.Run(gctx) })
	g.Go(func() error { return r.relay.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		r.health.SetServing("", false)
		r.health.SetServing(HealthService, false)
		return nil
	})

	r.health.SetServing("", true)
	r.health.SetServing(HealthService, true)
	logger.Infof("payments consuming, health at %s", r.HealthAddr())
	return g.Wait()
}

// Close releases every resource the runtime opened. It is safe to call more
// than once.
func (r *Runtime) Close() {
	if r == nil || r.closed {
		return
	}
	r.closed = true
	if r.health != nil {
		r.health.Stop()
	}
	if r.ownsBroker && r.broker != nil {
		if err := r.broker.Close(); err != nil {
			logger.Warningf("close broker: %v", err)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			logger.Warningf("close account ledger: %v", err)
		}
	}
}
