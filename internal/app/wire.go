//go:build wireinject

package app

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/game/room"
)

// Initialize assembles an App from cfg and logger.
func Initialize(cfg config.Config, logger *zap.Logger) (*App, error) {
	wire.Build(
		ProvideEngine,
		room.NewRegistry,
		ProvideCoordinator,
		ProvideWSHandler,
		ProvideHTTPServer,
		ProvideGRPCServer,
		NewApp,
	)
	return nil, nil
}
