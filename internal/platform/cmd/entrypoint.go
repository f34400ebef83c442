// Package cmd holds the startup sequence shared by every service command.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/louisbranch/donations/internal/platform/config"
	"github.com/louisbranch/donations/internal/platform/logging"
	"github.com/louisbranch/donations/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service identifiers for startup telemetry and logger naming.
const (
	ServiceIntake     = "intake"
	ServicePayments   = "payments"
	ServiceAggregator = "aggregator"
	ServiceStandalone = "standalone"
	ServiceSeed       = "seed"
)

var logger = loggo.GetLogger("donations.entrypoint")

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// ShutdownTimeout sets the timeout used when stopping telemetry.
	ShutdownTimeout time.Duration
	// LogSpec is the loggo specification applied before run starts.
	LogSpec string
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetryAndOptions applies the log spec, installs the tracer
// provider for service and runs the service loop. Tracing is flushed on
// return.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := logging.Configure(options.LogSpec); err != nil {
		return err
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warningf("%s otel shutdown: %v", service, err)
		}
	}()
	logger.Infof("starting %s", service)
	return run(ctx)
}
