// Package observability provides structured logging for the chessroom server.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/chessroom/internal/config"
)

// NewLogger creates the process logger from cfg.Logging. Every entry carries
// the instance name and the rules engine so logs from several chessroom
// nodes can be told apart. opts are applied before those fields are bound.
//
// Precondition: cfg.Logging.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Logging.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.Config, opts ...zap.Option) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Logging.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Logging.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// Broadcast bursts log once per recipient; keep them all.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.With(
		zap.String("server", cfg.Server.Name),
		zap.String("rules", cfg.Rules.Engine),
	), nil
}

// ConnLogger returns a child logger tagged with the transport name and connection id.
//
// Precondition: logger must be non-nil.
func ConnLogger(logger *zap.Logger, transport, connID string) *zap.Logger {
	return logger.With(
		zap.String("transport", transport),
		zap.String("conn_id", connID),
	)
}
