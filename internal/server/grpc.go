package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the reduction pipeline.
const ServiceName = "cubered.Pipeline"

// GRPCServer returns a gRPC server carrying the health service.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}

func (s *Server) serveGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := s.GRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info("gRPC health server starting", "addr", addr)
	return gs.Serve(lis)
}

func (s *Server) markServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
