package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	platformgrpc "github.com/louisbranch/donations/internal/platform/grpc"
	"github.com/louisbranch/donations/internal/platform/logging"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	aggregatorhttp "github.com/louisbranch/donations/internal/services/aggregator/api/http"
	"github.com/louisbranch/donations/internal/services/aggregator/cache"
	aggsqlite "github.com/louisbranch/donations/internal/services/aggregator/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// PaymentsGroup is the consumer group the aggregator joins.
const PaymentsGroup = "aggregator-payments"

// HealthService is the gRPC health service name the aggregator reports.
const HealthService = "donations.aggregator"

var logger = loggo.GetLogger("donations.aggregator")

// RuntimeConfig controls aggregator startup.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthAddr string
	Bus        driver.Config
	// Broker, when set, is used instead of opening one from Bus and is not
	// closed by the runtime.
	Broker eventbus.Broker

	LedgerPath   string
	Members      int
	HandlerRetry eventbus.HandlerRetry
	CacheSize    int
	CacheTTL     time.Duration
}

// Runtime owns the aggregator process resources.
type Runtime struct {
	broker     eventbus.Broker
	ownsBroker bool
	ledger     *aggsqlite.Store
	cache      *cache.Campaigns
	payments   *eventbus.Consumer
	listener   net.Listener
	server     *http.Server
	health     *platformgrpc.HealthServer
	closed     bool
}

// Run starts the aggregator and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Serve(ctx)
}

// NewRuntime opens the campaign ledger, joins the payments group and binds
// the read API.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (_ *Runtime, err error) {
	logf := logging.Printf(logger)
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.ledger, err = aggsqlite.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	rt.cache, err = cache.New(rt.ledger, cache.Options{Size: cfg.CacheSize, TTL: cfg.CacheTTL})
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
	topic := cfg.Bus.Topic(cfg.Bus.PaymentsTopic)
	if err := eventbus.EnsureTopic(ctx, rt.broker, topic, cfg.Bus.TopicRetry(), logf); err != nil {
		return nil, err
	}
	aggregator, err := NewAggregator(AggregatorDeps{
		Ledger: rt.ledger,
		Cache:  rt.cache,
		Retry:  cfg.HandlerRetry,
		Logf:   logf,
	})
	if err != nil {
		return nil, err
	}
	rt.payments, err = eventbus.NewConsumer(rt.broker, eventbus.ConsumerConfig{
		Topic:     topic.Name,
		Group:     PaymentsGroup,
		Members:   cfg.Members,
		Handler:   aggregator.HandlePayment,
		Subscribe: cfg.Bus.SubscribeRetry(),
		Recorder:  rt.ledger.Attempts(),
		Logf:      logf,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.payments.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic.Name, err)
	}

	mux := http.NewServeMux()
	aggregatorhttp.NewHandler(rt.cache, logger.Errorf).RegisterRoutes(mux)
	rt.listener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on aggregator address %s: %w", cfg.HTTPAddr, err)
	}
	rt.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	rt.health, err = platformgrpc.ListenHealth(cfg.HealthAddr)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// HTTPAddr returns the bound HTTP address.
func (r *Runtime) HTTPAddr() string {
	if r == nil || r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// HealthAddr returns the bound health address.
func (r *Runtime) HealthAddr() string {
	if r == nil || r.health == nil || r.health.Addr() == nil {
		return ""
	}
	return r.health.Addr().String()
}

// Ledger exposes the campaign ledger.
func (r *Runtime) Ledger() *aggsqlite.Store {
	return r.ledger
}

// Serve runs the payments consumer and the read API until ctx is done.
func (r *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.payments.Run(gctx) })
	g.Go(func() error {
		if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve aggregator http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.health.SetServing("", false)
		r.health.SetServing(HealthService, false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("aggregator http shutdown: %v", err)
		}
		return nil
	})

	r.health.SetServing("", true)
	r.health.SetServing(HealthService, true)
	logger.Infof("aggregator listening at %s", r.HTTPAddr())
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
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.ownsBroker && r.broker != nil {
		if err := r.broker.Close(); err != nil {
			logger.Warningf("close broker: %v", err)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			logger.Warningf("close campaign ledger: %v", err)
		}
	}
}
