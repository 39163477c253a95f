// Package main provides the chessroom server binary, which hosts game rooms
// over websockets and gRPC.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/app"
	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.Initialize(cfg, logger)
	if err != nil {
		logger.Fatal("initializing server", zap.Error(err))
	}

	logger.Info("chessroom server initialized",
		zap.String("rules_engine", a.Engine.Name()),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("grpc_addr", cfg.GRPC.Addr()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.Lifecycle.Run(context.Background()); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
