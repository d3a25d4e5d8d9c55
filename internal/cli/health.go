package cli

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService serves the standard gRPC health protocol for the pipeline
type healthService struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

func startHealth(addr string) (*healthService, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	hs := &healthService{
		server: grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
	}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(hs.server, hs.health)

	go func() {
		if err := hs.server.Serve(lis); err != nil {
			log.Warn("Health server stopped", "error", err)
		}
	}()
	return hs, nil
}

func (h *healthService) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *healthService) Addr() string { return h.lis.Addr().String() }

func (h *healthService) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
