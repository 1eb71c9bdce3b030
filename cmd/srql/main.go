package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/config"
	"github.com/carverauto/serviceradar/srql/internal/engine"
	"github.com/carverauto/serviceradar/srql/internal/logger"
	"github.com/carverauto/serviceradar/srql/internal/metrics"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/server"
	"github.com/carverauto/serviceradar/srql/internal/store"
	"github.com/carverauto/serviceradar/srql/internal/store/clickhouse"
	"github.com/carverauto/serviceradar/srql/internal/store/neo4j"
	"github.com/carverauto/serviceradar/srql/internal/store/postgres"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultReadHeaderTimeout = 30 * time.Second
	defaultConnectTimeout    = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", getenvBool("SRQL_VERBOSE", false), "enable verbose (debug) logging")
	configFlag := flag.String("config", getenv("SRQL_CONFIG", ""), "path to a YAML config file")
	httpListenAddrFlag := flag.String("http-listen-addr", "", "HTTP server listen address (overrides config)")
	postgresListenAddrFlag := flag.String("postgres-listen-addr", "", "PostgreSQL wire protocol listen address (overrides config)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (overrides config)")
	readHeaderTimeoutFlag := flag.Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	connectTimeoutFlag := flag.Duration("connect-timeout", defaultConnectTimeout, "How long to keep retrying store connections at startup")
	bootstrapGraphFlag := flag.Bool("bootstrap-graph", getenvBool("SRQL_BOOTSTRAP_GRAPH", true), "ensure graph id constraints exist at startup")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *httpListenAddrFlag != "" {
		cfg.HTTPListenAddr = *httpListenAddrFlag
	}
	if *postgresListenAddrFlag != "" {
		cfg.PostgresListenAddr = *postgresListenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.MetricsAddr = *metricsAddrFlag
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsServerErrCh := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	plan, err := planner.New(planner.Config{
		Catalog:      cat,
		DefaultLimit: cfg.DefaultLimit,
		MaxLimit:     cfg.MaxLimit,
	})
	if err != nil {
		return err
	}

	engineCfg := engine.Config{
		Logger:       log,
		Planner:      plan,
		Stores:       map[catalog.Store]store.Querier{},
		QueryTimeout: cfg.QueryTimeout,
	}
	pingers := map[string]store.Pinger{}

	if cfg.Postgres.Enabled() {
		pg, err := connect(ctx, log, "postgres", *connectTimeoutFlag, func() (*postgres.Store, error) {
			return postgres.New(ctx, postgres.Config{
				Logger:   log,
				DSN:      cfg.Postgres.DSN,
				MaxConns: cfg.Postgres.MaxConns,
			})
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		engineCfg.Stores[catalog.StorePostgres] = pg
		pingers["postgres"] = pg
	}

	if cfg.ClickHouse.Enabled() {
		ch, err := connect(ctx, log, "clickhouse", *connectTimeoutFlag, func() (*clickhouse.Store, error) {
			return clickhouse.New(ctx, clickhouse.Config{
				Logger:   log,
				Addr:     strings.Split(cfg.ClickHouse.Addr, ","),
				Database: cfg.ClickHouse.Database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			})
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := ch.Close(); err != nil {
				log.Error("failed to close clickhouse", "error", err)
			}
		}()
		engineCfg.Stores[catalog.StoreClickHouse] = ch
		pingers["clickhouse"] = ch
	}

	if cfg.Neo4j.Enabled() {
		graph, err := connect(ctx, log, "neo4j", *connectTimeoutFlag, func() (*neo4j.Store, error) {
			return neo4j.New(ctx, neo4j.Config{
				Logger:   log,
				URI:      cfg.Neo4j.URI,
				Database: cfg.Neo4j.Database,
				Username: cfg.Neo4j.Username,
				Password: cfg.Neo4j.Password,
			})
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := graph.Close(context.Background()); err != nil {
				log.Error("failed to close neo4j", "error", err)
			}
		}()
		if *bootstrapGraphFlag {
			graph.Bootstrap(ctx, scope.Scope{})
		}

		resolver, err := neighborhood.NewResolver(neighborhood.Config{Logger: log, Source: graph})
		if err != nil {
			return err
		}
		engineCfg.Cypher = graph
		engineCfg.Resolver = resolver
		pingers["neo4j"] = graph
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return err
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer httpListener.Close()

	var postgresListener net.Listener
	if cfg.PostgresListenAddr != "" {
		postgresListener, err = net.Listen("tcp", cfg.PostgresListenAddr)
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL listener: %w", err)
		}
		defer postgresListener.Close()
		log.Info("PostgreSQL wire protocol enabled", "address", cfg.PostgresListenAddr)
	} else {
		log.Info("PostgreSQL wire protocol disabled")
	}

	srv, err := server.New(server.Config{
		Logger:            log,
		Engine:            eng,
		HTTPListener:      httpListener,
		PostgresListener:  postgresListener,
		ReadHeaderTimeout: *readHeaderTimeoutFlag,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
		Accounts:          cfg.Accounts,
		Pingers:           pingers,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			log.Error("server: server error causing shutdown", "error", err)
		}
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		cancel()
		return errors.Join(err, <-serverErrCh)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	cat, err := catalog.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return cat, nil
}

// connect retries open with exponential backoff until it succeeds or timeout passes.
func connect[T any](ctx context.Context, log *slog.Logger, name string, timeout time.Duration, open func() (T, error)) (T, error) {
	attempt := 0
	s, err := backoff.Retry(ctx, func() (T, error) {
		if attempt > 0 {
			log.Warn("failed to connect to store, retrying", "store", name, "attempt", attempt)
		}
		attempt++
		return open()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return s, fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	return s, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
