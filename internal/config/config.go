// Package config loads the SRQL service configuration from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPListenAddr  = ":8080"
	DefaultMetricsAddr     = ":9090"
	DefaultLimit           = 100
	DefaultMaxLimit        = 500
	DefaultQueryTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	HTTPListenAddr     string        `yaml:"http_listen_addr"`
	PostgresListenAddr string        `yaml:"postgres_listen_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	// CatalogPath replaces the built-in entity catalog when set.
	CatalogPath  string        `yaml:"catalog_path"`
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Accounts guards the Postgres wire listener. Empty disables authentication.
	Accounts map[string]string `yaml:"accounts"`

	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Enabled reports whether a Postgres store is configured.
func (c PostgresConfig) Enabled() bool { return c.DSN != "" }

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c Neo4jConfig) Enabled() bool { return c.URI != "" }

// Load reads path (if non-empty), then a .env file in the working directory (if present),
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cfg.LoadFromEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadFromEnv overrides fields with any environment variables that are set.
func (c *Config) LoadFromEnv(lookup LookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	integer := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&c.HTTPListenAddr, "SRQL_HTTP_LISTEN_ADDR")
	str(&c.PostgresListenAddr, "SRQL_POSTGRES_LISTEN_ADDR")
	str(&c.MetricsAddr, "SRQL_METRICS_ADDR")
	str(&c.CatalogPath, "SRQL_CATALOG_PATH")
	integer(&c.DefaultLimit, "SRQL_DEFAULT_LIMIT")
	integer(&c.MaxLimit, "SRQL_MAX_LIMIT")
	duration(&c.QueryTimeout, "SRQL_QUERY_TIMEOUT")
	duration(&c.ShutdownTimeout, "SRQL_SHUTDOWN_TIMEOUT")
	if v, ok := lookup("SRQL_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("SRQL_ACCOUNTS"); ok && v != "" {
		accounts, err := ParseAccounts(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Accounts = accounts
		}
	}

	str(&c.Postgres.DSN, "SRQL_DATABASE_URL", "DATABASE_URL")
	if v, ok := lookup("SRQL_POSTGRES_MAX_CONNS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("SRQL_POSTGRES_MAX_CONNS: %w", err))
		} else {
			c.Postgres.MaxConns = int32(n)
		}
	}

	str(&c.ClickHouse.Addr, "CLICKHOUSE_ADDR")
	str(&c.ClickHouse.Database, "CLICKHOUSE_DATABASE")
	str(&c.ClickHouse.Username, "CLICKHOUSE_USERNAME")
	str(&c.ClickHouse.Password, "CLICKHOUSE_PASSWORD")

	str(&c.Neo4j.URI, "NEO4J_URI")
	str(&c.Neo4j.Database, "NEO4J_DATABASE")
	str(&c.Neo4j.Username, "NEO4J_USERNAME")
	str(&c.Neo4j.Password, "NEO4J_PASSWORD")

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.HTTPListenAddr == "" {
		c.HTTPListenAddr = DefaultHTTPListenAddr
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DefaultLimit < 0 || c.MaxLimit < 0 {
		return errors.New("limits must be positive")
	}
	if c.DefaultLimit > c.MaxLimit {
		return fmt.Errorf("default_limit %d exceeds max_limit %d", c.DefaultLimit, c.MaxLimit)
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout must not be negative, got %s", c.QueryTimeout)
	}
	if c.Postgres.Enabled() {
		if _, err := url.Parse(c.Postgres.DSN); err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
	}
	if !c.Postgres.Enabled() && !c.ClickHouse.Enabled() && !c.Neo4j.Enabled() {
		return errors.New("at least one of postgres, clickhouse or neo4j must be configured")
	}
	return nil
}

// ParseAccounts parses "user1:pass1,user2:pass2".
func ParseAccounts(s string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid account format %q (expected username:password)", entry)
		}
		username = strings.TrimSpace(username)
		if username == "" {
			return nil, fmt.Errorf("username cannot be empty in account %q", entry)
		}
		accounts[username] = strings.TrimSpace(password)
	}
	return accounts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
