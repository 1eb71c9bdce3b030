// Package server exposes the query engine over HTTP and the PostgreSQL wire protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	wire "github.com/jeroenrinzema/psql-wire"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/engine"
	"github.com/carverauto/serviceradar/srql/internal/metrics"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

// Engine is the query surface the server exposes.
type Engine interface {
	Execute(ctx context.Context, sc scope.Scope, text string, req planner.Request) (*engine.Response, error)
	Translate(sc scope.Scope, text string, req planner.Request) (*engine.Translation, error)
	Neighborhood(ctx context.Context, sc scope.Scope, seed string, opts neighborhood.Options) (map[string]any, error)
	Catalog() *catalog.Catalog
}

type Server struct {
	log              *slog.Logger
	cfg              Config
	engine           Engine
	httpSrv          *http.Server
	httpListener     net.Listener
	psqlSrv          *wire.Server
	postgresListener net.Listener
	pingPool         pond.ResultPool[storeStatus]
}

type storeStatus struct {
	name string
	err  error
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		engine:   cfg.Engine,
		pingPool: pond.NewResultPool[storeStatus](max(len(cfg.Pingers), 1)),
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	s.httpListener = cfg.HTTPListener

	if cfg.PostgresListener != nil {
		auth := newAuthenticator(s.log, cfg.Accounts)
		if auth.enabled() {
			s.log.Info("server: postgres authentication enabled", "account_count", len(cfg.Accounts))
		} else {
			s.log.Info("server: postgres authentication disabled (no accounts configured)")
		}

		psqlSrv, err := wire.NewServer(
			s.queryHandler,
			wire.Logger(s.log),
			wire.SessionAuthStrategy(auth.strategy()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL wire server: %w", err)
		}
		s.psqlSrv = psqlSrv
		s.postgresListener = cfg.PostgresListener
	}

	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", TenantHeader, PartitionHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/translate", s.handleTranslate)
		r.Get("/neighborhood", s.handleNeighborhood)
		r.Get("/entities", s.handleEntities)
	})
	return r
}

// Run serves until ctx is done or a listener fails, then shuts both servers down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("server: http listening", "address", s.httpListener.Addr())
		if err := s.httpSrv.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve HTTP: %w", err)
		}
		return nil
	})

	if s.psqlSrv != nil {
		g.Go(func() error {
			s.log.Info("server: postgres wire protocol listening", "address", s.postgresListener.Addr())
			if err := s.psqlSrv.Serve(s.postgresListener); err != nil && gctx.Err() == nil {
				return fmt.Errorf("failed to serve PostgreSQL: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("server: stopping", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")

		if s.psqlSrv != nil {
			if err := s.psqlSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shutdown PostgreSQL wire server: %w", err)
			}
			s.log.Info("server: postgres wire server shutdown complete")
		}
		s.pingPool.StopAndWait()
		return nil
	})

	return g.Wait()
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultReadyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.cfg.Pingers))
	for name := range s.cfg.Pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	group := s.pingPool.NewGroupContext(ctx)
	for _, name := range names {
		p := s.cfg.Pingers[name]
		group.SubmitErr(func() (storeStatus, error) {
			return storeStatus{name: name, err: p.Ping(ctx)}, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		s.log.Debug("readyz: ping group failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}

	failing := map[string]string{}
	for _, res := range results {
		if res.err != nil {
			s.log.Debug("readyz: store not ready", "store", res.name, "error", res.err)
			failing[res.name] = "unreachable"
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "stores": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
