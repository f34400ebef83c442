package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/eventbus/driver"
	platformgrpc "github.com/louisbranch/donations/internal/platform/grpc"
	"github.com/louisbranch/donations/internal/platform/logging"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	intakehttp "github.com/louisbranch/donations/internal/services/intake/api/http"
	"github.com/louisbranch/donations/internal/services/intake/directory"
	"github.com/louisbranch/donations/internal/services/intake/idempotency"
	idembolt "github.com/louisbranch/donations/internal/services/intake/idempotency/bbolt"
	idemdynamo "github.com/louisbranch/donations/internal/services/intake/idempotency/dynamodb"
	"golang.org/x/sync/errgroup"
)

// Idempotency store backends.
const (
	StoreBolt     = "bbolt"
	StoreDynamoDB = "dynamodb"
)

// HealthService is the gRPC health service name intake reports.
const HealthService = "donations.intake"

var logger = loggo.GetLogger("donations.intake")

// RuntimeConfig controls intake startup.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthAddr string
	Bus        driver.Config
	// Broker, when set, is used instead of opening one from Bus and is not
	// closed by the runtime.
	Broker eventbus.Broker

	StoreDriver     string
	IdempotencyPath string
	DynamoTable     string
	DynamoRegion    string
	DynamoEndpoint  string
	PendingTimeout  time.Duration
	Retention       time.Duration
	SweepInterval   time.Duration
	InFlightWait    time.Duration

	CampaignDBPath string
}

// Runtime owns the intake process resources.
type Runtime struct {
	broker     eventbus.Broker
	ownsBroker bool
	store      idempotency.Store
	campaigns  *directory.SQLite
	service    *Service
	listener   net.Listener
	server     *http.Server
	health     *platformgrpc.HealthServer
	sweeper    idempotency.Sweeper
	closed     bool
}

// Run starts intake and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Serve(ctx)
}

// NewRuntime opens dependencies, ensures the donations topic and binds the
// listeners. Nothing is served until Serve.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (_ *Runtime, err error) {
	if cfg.PendingTimeout > 0 && cfg.PendingTimeout <= timeouts.Publish {
		return nil, fmt.Errorf("pending timeout %s must exceed the publish timeout %s", cfg.PendingTimeout, timeouts.Publish)
	}
	logf := logging.Printf(logger)
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.broker = cfg.Broker
	if rt.broker == nil {
		rt.broker, err = driver.Open(cfg.Bus)
		if err != nil {
			return nil, err
		}
		rt.ownsBroker = true
	}
	topic := cfg.Bus.Topic(cfg.Bus.DonationsTopic)
	if err := eventbus.EnsureTopic(ctx, rt.broker, topic, cfg.Bus.TopicRetry(), logf); err != nil {
		return nil, err
	}

	rt.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.campaigns, err = directory.Open(ctx, cfg.CampaignDBPath)
	if err != nil {
		return nil, err
	}
	rt.service, err = NewService(Deps{
		Store:        rt.store,
		Publisher:    rt.broker,
		Campaigns:    rt.campaigns,
		Topic:        topic.Name,
		InFlightWait: cfg.InFlightWait,
		Logf:         logf,
	})
	if err != nil {
		return nil, err
	}
	rt.sweeper = idempotency.Sweeper{
		Store:     rt.store,
		Retention: cfg.Retention,
		Interval:  cfg.SweepInterval,
		Logf:      logf,
	}

	mux := http.NewServeMux()
	intakehttp.NewHandler(rt.service, logger.Errorf).RegisterRoutes(mux)
	rt.listener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on intake address %s: %w", cfg.HTTPAddr, err)
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

// Serve runs the HTTP server and the idempotency sweeper until ctx is done,
// then drains in-flight requests.
func (r *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve intake http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.health.SetServing("", false)
		r.health.SetServing(HealthService, false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("intake http shutdown: %v", err)
		}
		return nil
	})

	r.health.SetServing("", true)
	r.health.SetServing(HealthService, true)
	logger.Infof("intake listening at %s", r.HTTPAddr())
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
	if r.campaigns != nil {
		if err := r.campaigns.Close(); err != nil {
			logger.Warningf("close campaign directory: %v", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			logger.Warningf("close idempotency store: %v", err)
		}
	}
	if r.ownsBroker && r.broker != nil {
		if err := r.broker.Close(); err != nil {
			logger.Warningf("close broker: %v", err)
		}
	}
}

func openStore(ctx context.Context, cfg RuntimeConfig) (idempotency.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "", StoreBolt:
		store, err := idembolt.Open(cfg.IdempotencyPath, cfg.PendingTimeout)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreDynamoDB:
		client, err := idemdynamo.NewClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		store, err := idemdynamo.New(client, idemdynamo.Options{
			Table:          cfg.DynamoTable,
			PendingTimeout: cfg.PendingTimeout,
			Retention:      cfg.Retention,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", cfg.StoreDriver)
	}
}
