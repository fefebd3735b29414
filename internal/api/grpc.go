package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/models"
)

// HealthServiceName returns the gRPC health service name for a downstream domain.
func HealthServiceName(service models.ServiceName) string {
	return "analysis." + string(service)
}

// GRPCServer exposes the standard gRPC health protocol, reporting one service
// per downstream analysis domain.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewGRPCServer constructs a gRPC server bound to address.
func NewGRPCServer(address string, logger *slog.Logger, opts ...grpc.ServerOption) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, svc := range models.AllServices {
		healthSrv.SetServingStatus(HealthServiceName(svc), healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpc_prometheus.Register(grpcServer)
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthSrv,
		listener:   lis,
		logger:     logger,
	}, nil
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *GRPCServer) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// ApplyBreakerStates maps breaker snapshots onto health statuses. An open
// breaker reports NOT_SERVING; closed and half-open report SERVING.
func (s *GRPCServer) ApplyBreakerStates(snapshots []breaker.Snapshot) {
	for _, snap := range snapshots {
		status := healthpb.HealthCheckResponse_SERVING
		if snap.State == models.BreakerOpen {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(HealthServiceName(snap.Service), status)
	}
}

// SyncHealth refreshes health statuses from source every interval until ctx
// is cancelled.
func (s *GRPCServer) SyncHealth(ctx context.Context, interval time.Duration, source func() []breaker.Snapshot) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.ApplyBreakerStates(source())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ApplyBreakerStates(source())
		}
	}
}

// Shutdown attempts a graceful shutdown, falling back to Stop after ctx expires.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out; forcing stop")
		s.grpcServer.Stop()
	case <-stopped:
	}
	_ = s.listener.Close()
}

// Address exposes the bound listener address.
func (s *GRPCServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
