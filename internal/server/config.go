package server

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/carverauto/serviceradar/srql/internal/store"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultReadyTimeout      = 2 * time.Second
	defaultMaxBodySize       = 1 << 20
)

type Config struct {
	Logger *slog.Logger
	Engine Engine

	HTTPListener      net.Listener // HTTP server listener
	PostgresListener  net.Listener // PostgreSQL wire protocol listener (optional)
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodySize       int64

	// AllowedOrigins enables CORS for browser clients. Empty disables CORS handling.
	AllowedOrigins []string

	// Accounts maps username to password for the PostgreSQL listener. A "user@tenant" key
	// pins the account to one tenant. If empty, authentication is disabled.
	Accounts map[string]string

	// Pingers are checked by /readyz, keyed by store name.
	Pingers map[string]store.Pinger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.HTTPListener == nil {
		return errors.New("http listener is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return nil
}
