package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ControlPlaneService is the service name reported on the gRPC health
// endpoint alongside the overall ("") status.
const ControlPlaneService = "tenantserve.ControlPlane"

// GRPCHealthServer serves grpc.health.v1.Health for the control plane.
// Its status follows the readiness check.
type GRPCHealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	port       int
	logger     *zap.Logger
}

// NewGRPCHealthServer creates the server. Both statuses start NOT_SERVING
// until the first readiness result arrives.
func NewGRPCHealthServer(port, maxStreams int, withReflection bool, logger *zap.Logger) *GRPCHealthServer {
	var opts []grpc.ServerOption
	if maxStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(maxStreams)))
	}
	grpcServer := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ControlPlaneService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	if withReflection {
		reflection.Register(grpcServer)
	}

	return &GRPCHealthServer{
		grpcServer: grpcServer,
		health:     hs,
		port:       port,
		logger:     logger,
	}
}

// SetReady updates both statuses. It is registered with
// health.HealthCheck.OnChange.
func (s *GRPCHealthServer) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ControlPlaneService, status)
}

// Start listens on the configured port and serves until Shutdown.
func (s *GRPCHealthServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *GRPCHealthServer) Serve(listener net.Listener) error {
	s.logger.Info("starting gRPC health server", zap.String("address", listener.Addr().String()))
	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve gRPC health: %w", err)
	}
	return nil
}

// Shutdown reports NOT_SERVING to watchers, then stops gracefully. Streams
// still open when ctx expires are closed.
func (s *GRPCHealthServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC health server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}
