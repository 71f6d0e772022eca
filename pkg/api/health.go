package api

import (
	"fmt"
	"net"

	"github.com/cuemby/runway/pkg/health"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves grpc.health.v1 for cluster probes
type HealthServer struct {
	grpc   *grpc.Server
	health *grpchealth.Server
}

// NewHealthServer creates a health server reporting NOT_SERVING until
// SetServing is called
func NewHealthServer() *HealthServer {
	hs := &HealthServer{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.SetServing(false)
	return hs
}

// Start listens on addr and serves until Stop
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return hs.Serve(lis)
}

// Serve serves on an existing listener
func (hs *HealthServer) Serve(lis net.Listener) error {
	logger := log.WithComponent("grpc-health")
	logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	metrics.UpdateComponent(metrics.ComponentHealth, true, "")
	return hs.grpc.Serve(lis)
}

// SetServing flips the reported status of the server ("") and the dispatch
// service
func (hs *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(health.DispatchService, status)
}

// Stop marks the server as shutting down and stops serving
func (hs *HealthServer) Stop() {
	hs.health.Shutdown()
	hs.grpc.GracefulStop()
}
