package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/citegraph/internal/metrics"
	"github.com/scrypster/citegraph/pkg/types"
)

var tracer = otel.Tracer("citegraph.engine")

// Builder defaults.
const (
	DefaultWorkers      = 6
	DefaultBuildTimeout = 45 * time.Second
)

// BuildEvent reports build progress after each expanded level and once more
// when the build finishes.
type BuildEvent struct {
	SeedID       types.PaperID `json:"seed_id"`
	Depth        int           `json:"depth"`
	Nodes        int           `json:"nodes"`
	Edges        int           `json:"edges"`
	Fetched      int           `json:"fetched"`
	Skipped      int           `json:"skipped"`
	Unresolvable int           `json:"unresolvable"`
	ElapsedMS    int64         `json:"elapsed_ms"`
	Done         bool          `json:"done"`
	Incomplete   bool          `json:"incomplete"`

	// Owner is the user the build runs for, empty for anonymous builds.
	Owner string `json:"-"`
}

type ownerKey struct{}

// WithOwner tags builds started with ctx as running on behalf of owner.
// Progress events of such builds carry the owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner set by WithOwner.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// BuildObserver receives build progress. It is called from the building
// goroutine and must not block.
type BuildObserver func(BuildEvent)

// BuilderConfig configures a GraphBuilder.
type BuilderConfig struct {
	// Workers bounds concurrent fetches within a build (default: 6)
	Workers int

	// BuildTimeout is the overall deadline of a build (default: 45s).
	// When it passes the partial graph is returned flagged Incomplete.
	BuildTimeout time.Duration

	// Observer, if set, receives a BuildEvent per level.
	Observer BuildObserver
}

// GraphBuilder expands a seed paper into a bounded citation graph.
//
// Expansion is breadth-first. The goroutine calling Build owns the visited
// set, node list and edge list; workers only fetch and score. Each level is
// fetched in batches no larger than the remaining node budget and results are
// folded in discovery order after the batch completes, so identical inputs
// yield identical graphs regardless of completion order.
//
// Edges only connect a parent at depth d to a child first accepted at depth
// d+1, which makes every built graph acyclic.
type GraphBuilder struct {
	fetcher  Fetcher
	scorer   *Scorer
	workers  int
	timeout  time.Duration
	observer BuildObserver
	logger   *zap.Logger
}

// NewGraphBuilder creates a builder that fetches through fetcher and scores
// edges with scorer. A nil scorer uses the default weights.
func NewGraphBuilder(fetcher Fetcher, scorer *Scorer, config BuilderConfig, logger *zap.Logger) *GraphBuilder {
	if scorer == nil {
		scorer = NewScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.BuildTimeout <= 0 {
		config.BuildTimeout = DefaultBuildTimeout
	}
	return &GraphBuilder{
		fetcher:  fetcher,
		scorer:   scorer,
		workers:  config.Workers,
		timeout:  config.BuildTimeout,
		observer: config.Observer,
		logger:   logger,
	}
}

// candidate is a not-yet-visited paper discovered at the current level,
// together with every frontier paper that points at it.
type candidate struct {
	id      types.PaperID
	parents []*types.PaperRecord
}

// fetchResult is a worker's output for one candidate. sims is aligned with
// candidate.parents.
type fetchResult struct {
	rec  *types.PaperRecord
	sims []float64
	err  error
}

// buildState is the orchestrator-owned state of one build.
type buildState struct {
	seed    types.PaperID
	owner   string
	mode    types.TraversalMode
	graph   *types.Graph
	visited map[types.PaperID]bool
	edgeIdx map[types.EdgeKey]int
	checker *BoundsChecker
}

// Build constructs the graph around seed.
//
// Errors:
//   - types.ErrSeedResolutionFailed wrapping the cause when the seed cannot be fetched
//   - the caller's context error when ctx is cancelled
//
// Running out of BuildTimeout (or a caller deadline) is not an error: the
// partial graph is returned with Incomplete set.
func (b *GraphBuilder) Build(ctx context.Context, seed types.PaperID, opts types.BuildOptions) (*types.Graph, error) {
	opts.Normalize()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.Build")
	defer span.End()
	span.SetAttributes(
		attribute.String("seed", seed.String()),
		attribute.Int("max_depth", opts.MaxDepth),
		attribute.Int("max_nodes", opts.MaxNodes),
		attribute.String("mode", string(opts.Mode)),
	)

	buildCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	seedRec, err := b.fetcher.Fetch(buildCtx, seed)
	if err != nil {
		metrics.GraphBuilds.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrSeedResolutionFailed, seed, err)
	}

	st := &buildState{
		seed:  seed,
		owner: OwnerFromContext(ctx),
		mode:  opts.Mode,
		graph: &types.Graph{
			SeedID:          seed,
			Nodes:           []types.GraphNode{types.NewGraphNode(seedRec, true)},
			Edges:           []types.GraphEdge{},
			ReferencesError: seedRec.ReferencesError,
			Incomplete:      seedRec.ReferencesError != "",
		},
		visited: map[types.PaperID]bool{seed: true},
		edgeIdx: make(map[types.EdgeKey]int),
		checker: NewBoundsChecker(opts),
	}
	st.checker.RecordNode(0)
	st.graph.Stats.Fetched = 1

	frontier := []*types.PaperRecord{seedRec}
	for depth := 0; len(frontier) > 0; depth++ {
		if err := st.checker.CanExpand(buildCtx, depth); err != nil {
			if errors.Is(err, errDepthReached) || errors.Is(err, errNodeCapReached) {
				break
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			st.graph.Incomplete = true
			break
		}

		next, interrupted := b.expandLevel(buildCtx, st, frontier, depth)
		if interrupted {
			if errors.Is(ctx.Err(), context.Canceled) {
				metrics.GraphBuilds.WithLabelValues("failed").Inc()
				return nil, ctx.Err()
			}
			st.graph.Incomplete = true
		}

		b.emit(st, depth+1, start, false)
		if interrupted {
			break
		}
		frontier = next
	}

	stats := st.checker.Stats()
	st.graph.Stats.DepthReached = stats.DepthReached
	st.graph.Stats.DurationMS = time.Since(start).Milliseconds()
	b.emit(st, stats.DepthReached, start, true)

	result := "complete"
	if st.graph.Incomplete {
		result = "incomplete"
	}
	metrics.GraphBuilds.WithLabelValues(result).Inc()
	metrics.GraphBuildDuration.Observe(time.Since(start).Seconds())
	metrics.GraphNodes.Observe(float64(len(st.graph.Nodes)))

	span.SetAttributes(
		attribute.Int("nodes", len(st.graph.Nodes)),
		attribute.Int("edges", len(st.graph.Edges)),
		attribute.Bool("incomplete", st.graph.Incomplete),
	)
	span.SetStatus(codes.Ok, "")

	b.logger.Info("graph built",
		zap.String("seed", seed.String()),
		zap.Int("nodes", len(st.graph.Nodes)),
		zap.Int("edges", len(st.graph.Edges)),
		zap.Int("fetched", st.graph.Stats.Fetched),
		zap.Int("skipped", st.graph.Stats.Skipped),
		zap.Int("unresolvable", st.graph.Stats.Unresolvable),
		zap.Bool("incomplete", st.graph.Incomplete),
		zap.Duration("duration", time.Since(start)),
	)

	return st.graph, nil
}

// expandLevel fetches the children of frontier (which sits at depth) and
// folds them into the graph. It returns the accepted children, in discovery
// order, and whether ctx ended mid-level.
func (b *GraphBuilder) expandLevel(ctx context.Context, st *buildState, frontier []*types.PaperRecord, depth int) ([]*types.PaperRecord, bool) {
	cands := st.collectCandidates(frontier)

	var accepted []*types.PaperRecord
	for next := 0; next < len(cands) && st.checker.Remaining() > 0; {
		if ctx.Err() != nil {
			return accepted, true
		}

		size := min(st.checker.Remaining(), len(cands)-next)
		batch := cands[next : next+size]
		next += size

		results := b.fetchBatch(ctx, batch)

		// Fold in discovery order.
		for i, res := range results {
			c := batch[i]
			st.visited[c.id] = true

			if res.err != nil {
				if ctx.Err() != nil {
					continue
				}
				st.graph.Stats.Skipped++
				b.logger.Debug("skipping unfetchable reference",
					zap.String("seed", st.seed.String()),
					zap.String("paper_id", c.id.String()),
					zap.Int("depth", depth+1),
					zap.Error(res.err),
				)
				continue
			}

			st.accept(res.rec, depth+1)
			for j, parent := range c.parents {
				st.addEdge(parent.ID, res.rec.ID, res.sims[j])
			}
			accepted = append(accepted, res.rec)
		}

		if ctx.Err() != nil {
			return accepted, true
		}
	}
	return accepted, false
}

// fetchBatch fetches and scores a batch concurrently, bounded by the worker
// limit. The level barrier is the Wait: nothing is folded until every worker
// of the batch has returned.
func (b *GraphBuilder) fetchBatch(ctx context.Context, batch []*candidate) []fetchResult {
	results := make([]fetchResult, len(batch))

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, c := range batch {
		g.Go(func() error {
			rec, err := b.fetcher.Fetch(ctx, c.id)
			if err != nil {
				results[i] = fetchResult{err: err}
				return nil
			}
			if rec.ID != c.id {
				results[i] = fetchResult{err: fmt.Errorf("%w: fetched %s for %s", types.ErrUpstream, rec.ID, c.id)}
				return nil
			}
			sims := make([]float64, len(c.parents))
			for j, parent := range c.parents {
				sims[j] = b.scorer.Score(parent, rec)
			}
			results[i] = fetchResult{rec: rec, sims: sims}
			return nil
		})
	}
	// Per-reference failures are recorded in results, never returned.
	_ = g.Wait()

	return results
}

// collectCandidates lists unvisited neighbors of the frontier in discovery
// order: frontier order first, then each paper's own list order.
func (st *buildState) collectCandidates(frontier []*types.PaperRecord) []*candidate {
	var cands []*candidate
	byID := make(map[types.PaperID]*candidate)

	for _, parent := range frontier {
		for _, ref := range parent.Neighbors(st.mode) {
			if !ref.Resolvable() {
				st.graph.Stats.Unresolvable++
				continue
			}
			id := ref.ArxivID
			if id == parent.ID || st.visited[id] {
				continue
			}
			c, ok := byID[id]
			if !ok {
				c = &candidate{id: id}
				byID[id] = c
				cands = append(cands, c)
			}
			if n := len(c.parents); n == 0 || c.parents[n-1] != parent {
				c.parents = append(c.parents, parent)
			}
		}
	}
	return cands
}

func (st *buildState) accept(rec *types.PaperRecord, depth int) {
	st.graph.Nodes = append(st.graph.Nodes, types.NewGraphNode(rec, false))
	st.graph.Stats.Fetched++
	st.checker.RecordNode(depth)
}

// addEdge records parent→child in references mode and child→parent in
// citations mode. A repeated pair keeps the larger similarity.
func (st *buildState) addEdge(parent, child types.PaperID, sim float64) {
	e := types.GraphEdge{Source: parent, Target: child, Similarity: sim}
	if st.mode == types.ModeCitations {
		e.Source, e.Target = child, parent
	}

	if i, ok := st.edgeIdx[e.Key()]; ok {
		if sim > st.graph.Edges[i].Similarity {
			st.graph.Edges[i].Similarity = sim
		}
		return
	}
	st.edgeIdx[e.Key()] = len(st.graph.Edges)
	st.graph.Edges = append(st.graph.Edges, e)
}

func (b *GraphBuilder) emit(st *buildState, depth int, start time.Time, done bool) {
	if b.observer == nil {
		return
	}
	b.observer(BuildEvent{
		SeedID:       st.seed,
		Depth:        depth,
		Nodes:        len(st.graph.Nodes),
		Edges:        len(st.graph.Edges),
		Fetched:      st.graph.Stats.Fetched,
		Skipped:      st.graph.Stats.Skipped,
		Unresolvable: st.graph.Stats.Unresolvable,
		ElapsedMS:    time.Since(start).Milliseconds(),
		Done:         done,
		Incomplete:   st.graph.Incomplete,
		Owner:        st.owner,
	})
}
