package api

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ClassifierService is the gRPC health service name reported by the probe.
const ClassifierService = "godpi.Classifier"

// HealthServer exposes the standard gRPC health service for the classifier.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewHealthServer creates a health server. The classifier service starts
// as NOT_SERVING until SetServing is called.
func NewHealthServer(logger zerolog.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus(ClassifierService, healthpb.HealthCheckResponse_NOT_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &HealthServer{grpc: s, health: hs, logger: logger}
}

// SetServing updates the status of the classifier service.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ClassifierService, status)
}

// Check reports the current status of service.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()

	h.logger.Info().Str("addr", addr).Msg("gRPC health server starting")
	return h.grpc.Serve(lis)
}
