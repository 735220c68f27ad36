package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/citegraph/internal/metrics"
	"github.com/scrypster/citegraph/pkg/types"
)

// BuildFunc builds the graph for a seed on a cache miss.
type BuildFunc func(ctx context.Context, seed types.PaperID, opts types.BuildOptions) (*types.Graph, error)

// CacheConfig configures a GraphCache.
type CacheConfig struct {
	// TTL is how long a built graph is served (default: 30m)
	TTL time.Duration

	// MaxEntries bounds the number of cached graphs; the least recently
	// used entry is evicted first (default: 256)
	MaxEntries int

	// SweepInterval is how often expired entries are dropped (default: TTL/2, at most 5m)
	SweepInterval time.Duration
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Builds  int64 `json:"builds"`
	Shared  int64 `json:"shared"` // Callers that joined an in-flight build
	Entries int   `json:"entries"`
}

type cacheEntry struct {
	graph      *types.Graph
	expiresAt  time.Time
	lastAccess time.Time
}

// GraphCache memoizes built graphs keyed by seed and normalized options.
//
// Concurrent requests for the same key share a single build. The build runs
// detached from the cancellation of whichever caller started it, so one
// caller giving up does not fail the others; each waiter still honours its
// own context. Failed and incomplete builds are returned but never stored.
//
// Cached graphs are shared between callers and must be treated as read-only.
type GraphCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	flight     singleflight.Group
	ttl        time.Duration
	maxEntries int
	closed     bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	hits   atomic.Int64
	misses atomic.Int64
	builds atomic.Int64
	shared atomic.Int64

	now    func() time.Time
	logger *zap.Logger
}

// NewGraphCache creates a cache and starts its expiry sweeper. Call Close to
// stop the sweeper.
func NewGraphCache(config CacheConfig, logger *zap.Logger) *GraphCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 256
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = min(config.TTL/2, 5*time.Minute)
	}

	c := &GraphCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
		logger:     logger,
	}
	go c.sweepLoop(config.SweepInterval)
	return c
}

// CacheKey renders the cache key of a seed and its options.
func CacheKey(seed types.PaperID, opts types.BuildOptions) string {
	return seed.String() + "|" + opts.Key()
}

// GetOrBuild returns the cached graph for (seed, opts) or builds it with build.
//
// Returns types.ErrCacheUnavailable after Close. If ctx ends while waiting for
// the shared build, cancellation returns the context error and a deadline
// returns types.ErrBuildTimeout wrapping it; the build itself keeps running
// for other waiters and is cached when complete.
func (c *GraphCache) GetOrBuild(ctx context.Context, seed types.PaperID, opts types.BuildOptions, build BuildFunc) (*types.Graph, error) {
	if c.isClosed() {
		return nil, types.ErrCacheUnavailable
	}
	opts.Normalize()
	key := CacheKey(seed, opts)

	if g, ok := c.lookup(key); ok {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return g, nil
	}
	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// A flight that finished between lookup and DoChan may have stored it.
		if g, ok := c.lookup(key); ok {
			return g, nil
		}

		c.builds.Add(1)
		g, err := build(detached, seed, opts)
		if err != nil {
			return nil, err
		}
		if g.Incomplete {
			c.logger.Debug("not caching incomplete graph", zap.String("key", key))
		} else {
			c.store(key, g)
		}
		return g, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
			metrics.CacheLookups.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Graph), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrBuildTimeout, seed, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Stats returns cache counters.
func (c *GraphCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Builds:  c.builds.Load(),
		Shared:  c.shared.Load(),
		Entries: entries,
	}
}

// Close stops the sweeper and drops every entry. Subsequent calls to
// GetOrBuild return types.ErrCacheUnavailable. Close is idempotent.
func (c *GraphCache) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.entries = make(map[string]*cacheEntry)
		c.mu.Unlock()
		metrics.CacheEntries.Set(0)

		close(c.stop)
		<-c.done
	})
	return nil
}

func (c *GraphCache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// lookup returns a live entry and refreshes its LRU position.
func (c *GraphCache) lookup(key string) (*types.Graph, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		metrics.CacheEntries.Set(float64(len(c.entries)))
		return nil, false
	}
	e.lastAccess = now
	return e.graph, true
}

func (c *GraphCache) store(key string, g *types.Graph) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry{
		graph:      g,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *GraphCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey, oldest = k, e.lastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *GraphCache) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.logger.Debug("expired cached graphs", zap.Int("count", n))
			}
		}
	}
}

// sweep drops expired entries and returns how many were removed.
func (c *GraphCache) sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}
