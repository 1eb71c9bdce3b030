// Package neighborhood resolves the topology around a seed id by trying, in order, to read it
// as a collector, a device and a service. The first tier that finds the seed answers.
package neighborhood

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carverauto/serviceradar/srql/internal/graph"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

// ErrNotFound is returned when no tier recognizes the seed, or when the tier that does
// recognize it filters the row out.
var ErrNotFound = errors.New("neighborhood not found")

// ErrExcluded is returned by a Strategy whose tier found the seed but whose options exclude
// the row. The cascade stops there.
var ErrExcluded = errors.New("neighborhood excluded by options")

// Source loads the candidate subgraph a tier needs around seed in one round trip.
type Source interface {
	Fetch(ctx context.Context, sc scope.Scope, tier Tier, seed string) (*graph.Graph, error)
}

// Strategy is one tier of the cascade. A nil document with a nil error means the seed is
// absent at this tier.
type Strategy interface {
	Tier() Tier
	Try(ctx context.Context, sc scope.Scope, seed string, opts Options) (*Document, error)
}

type tierStrategy struct {
	tier    Tier
	source  Source
	resolve func(*graph.Graph, string, Options) (*Document, error)
}

func (s *tierStrategy) Tier() Tier { return s.tier }

func (s *tierStrategy) Try(ctx context.Context, sc scope.Scope, seed string, opts Options) (*Document, error) {
	g, err := s.source.Fetch(ctx, sc, s.tier, seed)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, nil
	}
	return s.resolve(g, seed, opts)
}

func CollectorStrategy(src Source) Strategy {
	return &tierStrategy{tier: TierCollector, source: src, resolve: resolveCollector}
}

func DeviceStrategy(src Source) Strategy {
	return &tierStrategy{tier: TierDevice, source: src, resolve: resolveDevice}
}

func ServiceStrategy(src Source) Strategy {
	return &tierStrategy{tier: TierService, source: src, resolve: resolveService}
}

type Config struct {
	Logger *slog.Logger
	Source Source
	// Strategies overrides the default collector, device, service cascade.
	Strategies []Strategy
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Strategies) == 0 {
		if c.Source == nil {
			return errors.New("source is required")
		}
		c.Strategies = []Strategy{
			CollectorStrategy(c.Source),
			DeviceStrategy(c.Source),
			ServiceStrategy(c.Source),
		}
	}
	return nil
}

// Resolver runs the tier cascade. It holds no per-request state.
type Resolver struct {
	log        *slog.Logger
	strategies []Strategy
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolver config: %w", err)
	}
	return &Resolver{log: cfg.Logger, strategies: cfg.Strategies}, nil
}

// Resolve returns the first tier's document for seed. A tier error aborts the cascade; it is
// never treated as an absent seed.
func (r *Resolver) Resolve(ctx context.Context, sc scope.Scope, seed string, opts Options) (*Document, error) {
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.Try(ctx, sc, seed, opts)
		if errors.Is(err, ErrExcluded) {
			r.log.Debug("neighborhood excluded", "seed", seed, "tier", s.Tier().String())
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%s tier: %w", s.Tier(), err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if doc != nil {
			doc.Tier = s.Tier()
			r.log.Debug("neighborhood resolved", "seed", seed, "tier", s.Tier().String(), "scope", sc.String())
			return doc, nil
		}
		r.log.Debug("neighborhood tier missed", "seed", seed, "tier", s.Tier().String())
	}
	return nil, ErrNotFound
}

// StaticSource serves every tier from one in-memory graph.
type StaticSource struct {
	Graph *graph.Graph
}

func (s StaticSource) Fetch(ctx context.Context, _ scope.Scope, _ Tier, _ string) (*graph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Graph, nil
}
