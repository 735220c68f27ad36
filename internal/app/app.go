// Package app wires configuration into the engine and storage components
// shared by the citegraph binaries.
package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/arxiv"
	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/engine"
	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/internal/storage/postgres"
	"github.com/scrypster/citegraph/internal/storage/sqlite"
)

// Components is the wired graph engine.
type Components struct {
	Client  *arxiv.Client
	Fetcher *engine.CachingFetcher
	Builder *engine.GraphBuilder
	Cache   *engine.GraphCache // nil when disabled
	Engine  *engine.Service
}

// NewComponents builds the metadata client, the paper cache, the graph
// builder and, when enabled, the graph cache. observer may be nil.
func NewComponents(cfg *config.Config, observer engine.BuildObserver, logger *zap.Logger) *Components {
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := arxiv.DefaultCircuitBreakerConfig()
	breaker.MaxFailures = uint32(cfg.Source.BreakerMaxFailures)
	breaker.Timeout = cfg.Source.BreakerTimeout

	client := arxiv.NewClient(arxiv.Config{
		ArxivURL:          cfg.Source.ArxivURL,
		ScholarURL:        cfg.Source.ScholarURL,
		ScholarAPIKey:     cfg.Source.ScholarAPIKey,
		UserAgent:         cfg.Source.UserAgent,
		AttemptTimeout:    cfg.Source.AttemptTimeout,
		MaxRetries:        cfg.Source.MaxRetries,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
		FetchCitations:    cfg.Source.FetchCitations,
		Breaker:           breaker,
	}, logger.Named("arxiv"))

	fetcher := engine.NewCachingFetcher(client, cfg.Source.PaperCacheSize, cfg.Source.PaperCacheTTL, logger.Named("papers"))

	builder := engine.NewGraphBuilder(fetcher, engine.NewScorer(), engine.BuilderConfig{
		Workers:      cfg.Graph.Workers,
		BuildTimeout: cfg.Graph.BuildTimeout,
		Observer:     observer,
	}, logger.Named("builder"))

	var cache *engine.GraphCache
	if cfg.Graph.CacheEnabled {
		cache = engine.NewGraphCache(engine.CacheConfig{
			TTL:        cfg.Graph.CacheTTL,
			MaxEntries: cfg.Graph.CacheMaxEntries,
		}, logger.Named("cache"))
	}

	return &Components{
		Client:  client,
		Fetcher: fetcher,
		Builder: builder,
		Cache:   cache,
		Engine:  engine.NewService(fetcher, client, builder, cache, logger.Named("engine")),
	}
}

// Close stops the graph cache sweeper.
func (c *Components) Close() error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Close()
}

// OpenSessionStore opens the configured session store. It returns nil, nil
// for the "none" engine.
func OpenSessionStore(cfg *config.Config) (storage.SessionStore, error) {
	switch cfg.Storage.Engine {
	case config.EngineNone:
		return nil, nil
	case config.EngineSQLite:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.NewSessionStore(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.EnginePostgres:
		store, err := postgres.NewSessionStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}
