package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpClear/internal/observability"
)

// GRPCServer exposes the standard gRPC health service plus reflection,
// for load balancers and grpcurl probing. The request API is HTTP/JSON;
// see HTTPServer.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	addr          string
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

func NewGRPCServer(addr string, healthChecker *observability.HealthChecker, log zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		addr:          addr,
		healthChecker: healthChecker,
		log:           log.With().Str("component", "grpc").Logger(),
	}
}

// Start serves until the context is cancelled. Health status tracks the
// readiness checker once a second.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", s.addr, err)
	}

	go s.trackReadiness(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.addr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

func (s *GRPCServer) trackReadiness(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			if s.healthChecker.IsReady() {
				s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			} else {
				s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			}
		}
	}
}
