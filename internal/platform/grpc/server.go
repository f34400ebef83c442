// Package grpc hosts the gRPC health surface every long-running service
// exposes, and the client helpers that wait on it.
package grpc

import (
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves grpc.health.v1 for one process.
//
// The overall ("") status starts NOT_SERVING; runtimes flip it once their
// inbound subscriptions are established.
type HealthServer struct {
	server   *gogrpc.Server
	health   *health.Server
	listener net.Listener
	serveErr chan error
}

// ListenHealth binds addr (":0" picks a free port) and starts serving health checks.
func ListenHealth(addr string) (*HealthServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on health address %s: %w", addr, err)
	}

	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	s := &HealthServer{
		server:   server,
		health:   healthServer,
		listener: listener,
		serveErr: make(chan error, 1),
	}
	go func() {
		s.serveErr <- server.Serve(listener)
	}()
	return s, nil
}

// Addr returns the bound listener address.
func (s *HealthServer) Addr() net.Addr {
	if s == nil || s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips the status for service ("" is the overall process status).
func (s *HealthServer) SetServing(service string, serving bool) {
	if s == nil || s.health == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Stop marks every service NOT_SERVING and drains the server.
func (s *HealthServer) Stop() {
	if s == nil || s.server == nil {
		return
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	<-s.serveErr
}
