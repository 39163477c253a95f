// Package config provides Viper-based configuration loading for the chessroom server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// Name identifies this instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds how long graceful shutdown of each service may take.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig holds the HTTP/websocket listener settings.
type HTTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// AllowedOrigins are host patterns accepted during the websocket handshake.
	// An empty list only accepts same-origin requests.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// GRPCConfig holds the gRPC listener settings.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// RulesConfig selects the rules engine every room is created with.
type RulesConfig struct {
	// Engine is "chess" or "lua".
	Engine string `mapstructure:"engine"`
	// StartFEN overrides the chess starting position. Empty means the standard setup.
	StartFEN string `mapstructure:"start_fen"`
	// Manifest is the path to the YAML manifest of the Lua engine.
	Manifest string `mapstructure:"manifest"`
}

// SessionConfig holds per-connection settings shared by all transports.
type SessionConfig struct {
	// OutboxSize is the number of outbound frames buffered per connection
	// before the connection is considered too slow and dropped.
	OutboxSize int `mapstructure:"outbox_size"`
	// PingInterval is how often idle websocket connections are pinged.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// ReadLimit is the maximum size in bytes of one inbound frame.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Logging LoggingConfig `mapstructure:"logging"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Session SessionConfig `mapstructure:"session"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []error{
		validateServer(c.Server),
		validateHTTP(c.HTTP),
		validateGRPC(c.GRPC),
		validateLogging(c.Logging),
		validateRules(c.Rules),
		validateSession(c.Session),
	} {
		if check != nil {
			errs = append(errs, check.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %s", s.ShutdownTimeout))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	for _, o := range h.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, "http.allowed_origins must not contain empty patterns")
			break
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateGRPC(g GRPCConfig) error {
	var errs []string
	if g.Host == "" {
		errs = append(errs, "grpc.host must not be empty")
	}
	if g.Port < 1 || g.Port > 65535 {
		errs = append(errs, fmt.Sprintf("grpc.port must be 1-65535, got %d", g.Port))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateRules(r RulesConfig) error {
	switch r.Engine {
	case "chess":
		return nil
	case "lua":
		if r.Manifest == "" {
			return errors.New("rules.manifest must be set when rules.engine is \"lua\"")
		}
		return nil
	default:
		return fmt.Errorf("rules.engine must be one of [chess, lua], got %q", r.Engine)
	}
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("session.outbox_size must be >= 1, got %d", s.OutboxSize))
	}
	if s.PingInterval < 0 {
		errs = append(errs, "session.ping_interval must not be negative")
	}
	if s.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("session.read_limit must be >= 1, got %d", s.ReadLimit))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with CHESSROOM_ prefix
	v.SetEnvPrefix("CHESSROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "chessroomd")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 4000)
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("grpc.host", "127.0.0.1")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rules.engine", "chess")
	v.SetDefault("rules.start_fen", "")
	v.SetDefault("rules.manifest", "")

	v.SetDefault("session.outbox_size", 64)
	v.SetDefault("session.ping_interval", "30s")
	v.SetDefault("session.read_limit", 32768)
}
