package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/config"
)

// Shutdowner is implemented by handlers that own connections the HTTP
// server no longer tracks once they are hijacked, such as websockets.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Server runs the HTTP listener as a lifecycle service.
type Server struct {
	cfg      config.HTTPConfig
	srv      *http.Server
	sessions Shutdowner
	logger   *zap.Logger
}

// NewServer creates a Server serving handler on cfg.Addr(). sessions is shut
// down before the listener on Stop.
//
// Precondition: handler, sessions and logger must be non-nil.
func NewServer(cfg config.HTTPConfig, handler http.Handler, sessions Shutdowner, logger *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		sessions: sessions,
		logger:   logger,
	}
}

// Start listens and serves until Stop is called.
//
// Postcondition: Returns nil after a clean Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends websocket sessions, then shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return errors.Join(s.sessions.Shutdown(ctx), s.srv.Shutdown(ctx))
}
