// Package app assembles the chessroom server from configuration.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/rules"
	"github.com/cory-johannsen/chessroom/internal/game/rules/chessrules"
	"github.com/cory-johannsen/chessroom/internal/game/rules/luarules"
	"github.com/cory-johannsen/chessroom/internal/game/session"
	"github.com/cory-johannsen/chessroom/internal/server"
	"github.com/cory-johannsen/chessroom/internal/transport/grpcapi"
	"github.com/cory-johannsen/chessroom/internal/transport/httpapi"
	"github.com/cory-johannsen/chessroom/internal/transport/ws"
)

// App is the assembled server.
type App struct {
	Logger      *zap.Logger
	Engine      rules.Engine
	Coordinator *session.Coordinator
	HTTP        *httpapi.Server
	GRPC        *grpcapi.Server
	Lifecycle   *server.Lifecycle
}

// ProvideEngine builds the rules engine selected by cfg.Rules.
//
// Postcondition: Returns an error if the engine name is unknown or the
// engine fails to load.
func ProvideEngine(cfg config.Config) (rules.Engine, error) {
	switch cfg.Rules.Engine {
	case "chess":
		e, err := chessrules.New(cfg.Rules.StartFEN)
		if err != nil {
			return nil, fmt.Errorf("creating chess engine: %w", err)
		}
		return e, nil
	case "lua":
		e, err := luarules.Open(cfg.Rules.Manifest)
		if err != nil {
			return nil, fmt.Errorf("loading scripted rules %s: %w", cfg.Rules.Manifest, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown rules engine %q", cfg.Rules.Engine)
	}
}

// ProvideCoordinator creates the session Coordinator.
func ProvideCoordinator(cfg config.Config, registry *room.Registry, logger *zap.Logger) *session.Coordinator {
	return session.NewCoordinator(registry, logger, cfg.Session.OutboxSize)
}

// ProvideWSHandler creates the websocket handler.
func ProvideWSHandler(cfg config.Config, coord *session.Coordinator, logger *zap.Logger) *ws.Handler {
	return ws.NewHandler(coord, cfg.Session, cfg.HTTP.AllowedOrigins, logger)
}

// ProvideHTTPServer creates the HTTP server with the websocket endpoint mounted.
func ProvideHTTPServer(cfg config.Config, coord *session.Coordinator, wsh *ws.Handler, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(cfg.HTTP, httpapi.NewRouter(coord, wsh, logger), wsh, logger)
}

// ProvideGRPCServer creates the gRPC server.
func ProvideGRPCServer(cfg config.Config, coord *session.Coordinator, logger *zap.Logger) *grpcapi.Server {
	return grpcapi.NewServer(cfg.GRPC, coord, logger)
}

// NewApp registers the listeners with a Lifecycle. Services stop in reverse
// order, so gRPC sessions end before the HTTP listener closes.
func NewApp(cfg config.Config, logger *zap.Logger, engine rules.Engine, coord *session.Coordinator, httpSrv *httpapi.Server, grpcSrv *grpcapi.Server) *App {
	lc := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lc.Add("http", httpSrv)
	lc.Add("grpc", grpcSrv)
	return &App{
		Logger:      logger,
		Engine:      engine,
		Coordinator: coord,
		HTTP:        httpSrv,
		GRPC:        grpcSrv,
		Lifecycle:   lc,
	}
}
