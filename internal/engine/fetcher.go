package engine

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/metrics"
	"github.com/scrypster/citegraph/pkg/types"
)

// Fetcher retrieves a single paper record by canonical identifier.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error)
}

// Searcher runs free-text paper searches.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]types.PaperRecord, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id types.PaperID) (*types.PaperRecord, error)

// Fetch calls f(ctx, id).
func (f FetcherFunc) Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	return f(ctx, id)
}

// CachingFetcher memoizes successful fetches for a bounded time so papers
// shared between builds are not fetched again within the window.
//
// Records whose reference list failed are passed through but not stored:
// the failure is usually transient (rate limiting) and the next build should
// try again.
type CachingFetcher struct {
	next   Fetcher
	cache  *expirable.LRU[types.PaperID, *types.PaperRecord]
	logger *zap.Logger
}

// NewCachingFetcher wraps next with an LRU of up to size records, each kept for ttl.
func NewCachingFetcher(next Fetcher, size int, ttl time.Duration, logger *zap.Logger) *CachingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 2048
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingFetcher{
		next:   next,
		cache:  expirable.NewLRU[types.PaperID, *types.PaperRecord](size, nil, ttl),
		logger: logger,
	}
}

// Fetch returns the memoized record for id or fetches it from the wrapped fetcher.
func (f *CachingFetcher) Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	if rec, ok := f.cache.Get(id); ok {
		metrics.PaperCacheLookups.WithLabelValues("hit").Inc()
		return rec, nil
	}
	metrics.PaperCacheLookups.WithLabelValues("miss").Inc()

	rec, err := f.next.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ReferencesError == "" {
		f.cache.Add(id, rec)
	} else {
		f.logger.Debug("not memoizing record with reference error",
			zap.String("paper_id", id.String()),
			zap.String("references_error", rec.ReferencesError),
		)
	}
	return rec, nil
}

// Len returns the number of memoized records.
func (f *CachingFetcher) Len() int {
	return f.cache.Len()
}

// Purge drops every memoized record.
func (f *CachingFetcher) Purge() {
	f.cache.Purge()
}
