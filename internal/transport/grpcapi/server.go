package grpcapi

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/game/session"
)

// Server runs the gRPC listener as a lifecycle service.
type Server struct {
	cfg     config.GRPCConfig
	grpc    *grpc.Server
	service *Service
	health  *health.Server
	logger  *zap.Logger
}

// NewServer creates a gRPC server exposing the room service and the
// standard health service.
//
// Precondition: coord and logger must be non-nil.
func NewServer(cfg config.GRPCConfig, coord *session.Coordinator, logger *zap.Logger) *Server {
	svc := NewService(coord, logger)
	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{cfg: cfg, grpc: gs, service: svc, health: hs, logger: logger}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the server not serving, ends open sessions and drains the
// server, forcing it closed when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.service.Close()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
		return fmt.Errorf("graceful stop: %w", ctx.Err())
	}
}
