// Package engine builds citation graphs: it scores paper relatedness, expands
// a seed paper breadth-first through the metadata source under bounded
// concurrency, and caches finished graphs.
package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/scrypster/citegraph/pkg/types"
)

// Service is the entry point used by the HTTP handlers, the session service
// and the CLI. It routes graph requests through the cache and degrades to a
// direct build when the cache is unavailable.
type Service struct {
	fetcher  Fetcher
	searcher Searcher
	builder  *GraphBuilder
	cache    *GraphCache
	logger   *zap.Logger
}

// NewService wires the engine components. cache may be nil, in which case
// every request builds directly.
func NewService(fetcher Fetcher, searcher Searcher, builder *GraphBuilder, cache *GraphCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		fetcher:  fetcher,
		searcher: searcher,
		builder:  builder,
		cache:    cache,
		logger:   logger,
	}
}

// BuildGraph returns the citation graph around seed.
func (s *Service) BuildGraph(ctx context.Context, seed types.PaperID, opts types.BuildOptions) (*types.Graph, error) {
	opts.Normalize()

	if s.cache != nil {
		g, err := s.cache.GetOrBuild(ctx, seed, opts, s.builder.Build)
		if !errors.Is(err, types.ErrCacheUnavailable) {
			return g, err
		}
		s.logger.Warn("graph cache unavailable, building directly",
			zap.String("seed", seed.String()),
		)
	}

	return s.builder.Build(ctx, seed, opts)
}

// Paper returns the full record of a single paper.
func (s *Service) Paper(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	return s.fetcher.Fetch(ctx, id)
}

// Search runs a free-text paper search.
func (s *Service) Search(ctx context.Context, query string, maxResults int) ([]types.PaperRecord, error) {
	if s.searcher == nil {
		return nil, errors.New("search is not configured")
	}
	return s.searcher.Search(ctx, query, maxResults)
}

// CacheStats reports graph cache counters; ok is false when no cache is wired.
func (s *Service) CacheStats() (stats CacheStats, ok bool) {
	if s.cache == nil {
		return CacheStats{}, false
	}
	return s.cache.Stats(), true
}
