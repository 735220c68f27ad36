package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/pkg/types"
)

// fakeFetcher serves records from memory and counts fetches per ID.
type fakeFetcher struct {
	mu      sync.Mutex
	records map[types.PaperID]*types.PaperRecord
	errs    map[types.PaperID]error
	calls   map[types.PaperID]int
	block   map[types.PaperID]bool // wait for ctx before answering
	delay   time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		records: make(map[types.PaperID]*types.PaperRecord),
		errs:    make(map[types.PaperID]error),
		calls:   make(map[types.PaperID]int),
		block:   make(map[types.PaperID]bool),
	}
}

// add registers a paper whose reference list points at refs.
func (f *fakeFetcher) add(id types.PaperID, title string, refs ...types.PaperID) *types.PaperRecord {
	rec := &types.PaperRecord{
		ID:       id,
		Title:    title,
		Authors:  []string{"Author " + string(id)},
		Abstract: "study of " + title,
	}
	for _, r := range refs {
		rec.References = append(rec.References, types.Reference{Title: "ref " + string(r), ArxivID: r, URL: r.AbsURL()})
	}
	f.records[id] = rec
	return rec
}

func (f *fakeFetcher) Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	f.mu.Lock()
	f.calls[id]++
	rec, err, block := f.records[id], f.errs[id], f.block[id]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", types.ErrFetchTimeout, ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("fetch %s: %w", id, types.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeFetcher) callCount(id types.PaperID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func nodeIDs(g *types.Graph) []types.PaperID {
	ids := make([]types.PaperID, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func newTestBuilder(f Fetcher, config BuilderConfig) *GraphBuilder {
	return NewGraphBuilder(f, nil, config, nil)
}

// TestGraphBuilder_SkipsNotFoundReference tests a seed with three references where one is missing.
func TestGraphBuilder_SkipsNotFoundReference(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002", "2001.00003", "2001.00004")
	f.add("2001.00002", "first")
	f.add("2001.00004", "third")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 1})
	require.NoError(t, err)

	assert.Equal(t, []types.PaperID{"2001.00001", "2001.00002", "2001.00004"}, nodeIDs(g))
	require.Len(t, g.Edges, 2)
	assert.Equal(t, types.PaperID("2001.00001"), g.Edges[0].Source)
	assert.Equal(t, types.PaperID("2001.00002"), g.Edges[0].Target)
	assert.Equal(t, types.PaperID("2001.00004"), g.Edges[1].Target)
	assert.Equal(t, 1, g.Stats.Skipped)
	assert.Equal(t, 3, g.Stats.Fetched)
	assert.False(t, g.Incomplete)
	require.NoError(t, g.Validate(types.DefaultMaxNodes))
}

// TestGraphBuilder_MaxDepthOne tests that depth one fetches the seed's references but not theirs.
func TestGraphBuilder_MaxDepthOne(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002", "2001.00003", "2001.00004", "2001.00005", "2001.00006")
	for _, id := range []types.PaperID{"2001.00002", "2001.00003", "2001.00004", "2001.00005", "2001.00006"} {
		f.add(id, "paper "+string(id), "2001.00099")
	}
	f.add("2001.00099", "grandchild")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 1, MaxNodes: 50})
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 6)
	assert.Len(t, g.Edges, 5)
	for _, e := range g.Edges {
		assert.Equal(t, types.PaperID("2001.00001"), e.Source)
	}
	assert.Equal(t, 0, f.callCount("2001.00099"), "depth-2 papers must not be fetched")
	assert.Equal(t, 1, g.Stats.DepthReached)
}

// TestGraphBuilder_MaxNodes tests that the node cap accepts references in discovery order.
func TestGraphBuilder_MaxNodes(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002", "2001.00003", "2001.00004", "2001.00005", "2001.00006")
	for _, id := range []types.PaperID{"2001.00002", "2001.00003", "2001.00004", "2001.00005", "2001.00006"} {
		f.add(id, "paper "+string(id))
	}

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 2, MaxNodes: 3})
	require.NoError(t, err)

	assert.Equal(t, []types.PaperID{"2001.00001", "2001.00002", "2001.00003"}, nodeIDs(g))
	assert.Len(t, g.Edges, 2)
	assert.Equal(t, 3, f.totalCalls(), "only the budget is fetched")
	require.NoError(t, g.Validate(3))
}

// TestGraphBuilder_MaxNodesRefillsAfterFailures tests that failed fetches free budget for later candidates.
func TestGraphBuilder_MaxNodesRefillsAfterFailures(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002", "2001.00003", "2001.00004", "2001.00005")
	f.add("2001.00004", "fourth")
	f.add("2001.00005", "fifth")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxNodes: 3})
	require.NoError(t, err)

	assert.Equal(t, []types.PaperID{"2001.00001", "2001.00004", "2001.00005"}, nodeIDs(g))
	assert.Equal(t, 2, g.Stats.Skipped)
}

// TestGraphBuilder_Depth2Layered tests multi-level expansion, shared children and cycle avoidance.
func TestGraphBuilder_Depth2Layered(t *testing.T) {
	f := newFakeFetcher()
	// seed -> A, B; A -> C, seed; B -> C, A; C -> A
	f.add("2001.00001", "seed", "2001.00002", "2001.00003")
	f.add("2001.00002", "alpha", "2001.00004", "2001.00001")
	f.add("2001.00003", "beta", "2001.00004", "2001.00002")
	f.add("2001.00004", "gamma", "2001.00002")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 3})
	require.NoError(t, err)
	require.NoError(t, g.Validate(0))

	assert.Equal(t, []types.PaperID{"2001.00001", "2001.00002", "2001.00003", "2001.00004"}, nodeIDs(g))

	var pairs []string
	for _, e := range g.Edges {
		pairs = append(pairs, string(e.Source)+">"+string(e.Target))
	}
	assert.Equal(t, []string{
		"2001.00001>2001.00002",
		"2001.00001>2001.00003",
		"2001.00002>2001.00004",
		"2001.00003>2001.00004",
	}, pairs)
	assert.Equal(t, 2, g.Stats.DepthReached)
	assert.Equal(t, 1, f.callCount("2001.00004"))
	assertAcyclic(t, g)
}

// TestGraphBuilder_DuplicateReferenceKeepsMaxSimilarity tests that a repeated reference yields one edge.
func TestGraphBuilder_DuplicateReferenceKeepsMaxSimilarity(t *testing.T) {
	f := newFakeFetcher()
	seed := f.add("2001.00001", "graph neural networks", "2001.00002", "2001.00002")
	f.add("2001.00002", "graph neural networks survey")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{})
	require.NoError(t, err)

	require.Len(t, g.Edges, 1)
	assert.Equal(t, NewScorer().Score(seed, f.records["2001.00002"]), g.Edges[0].Similarity)
	assert.Equal(t, 1, f.callCount("2001.00002"))
}

func TestBuildState_AddEdgeKeepsMax(t *testing.T) {
	st := &buildState{
		mode:    types.ModeReferences,
		graph:   &types.Graph{},
		edgeIdx: make(map[types.EdgeKey]int),
	}
	st.addEdge("a", "b", 0.2)
	st.addEdge("a", "b", 0.7)
	st.addEdge("a", "b", 0.5)
	st.addEdge("b", "a", 0.1)

	require.Len(t, st.graph.Edges, 2)
	assert.Equal(t, 0.7, st.graph.Edges[0].Similarity)
	assert.Equal(t, 0.1, st.graph.Edges[1].Similarity)
}

func TestGraphBuilder_UnresolvableReferences(t *testing.T) {
	f := newFakeFetcher()
	seed := f.add("2001.00001", "seed", "2001.00002")
	seed.References = append(seed.References,
		types.Reference{Title: "Long Short-Term Memory", DOIURL: "https://doi.org/10.1162/neco.1997.9.8.1735"},
		types.Reference{Title: "Untracked"},
	)
	f.add("2001.00002", "child")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.Equal(t, 2, g.Stats.Unresolvable)
	assert.Equal(t, 0, g.Stats.Skipped)
}

func TestGraphBuilder_CitationsMode(t *testing.T) {
	f := newFakeFetcher()
	seed := f.add("2001.00001", "seed")
	seed.Citations = []types.Reference{{ArxivID: "2101.00001"}, {ArxivID: "2101.00002"}}
	f.add("2101.00001", "follow-up one")
	f.add("2101.00002", "follow-up two")

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{Mode: types.ModeCitations})
	require.NoError(t, err)
	require.Len(t, g.Edges, 2)
	for _, e := range g.Edges {
		assert.Equal(t, types.PaperID("2001.00001"), e.Target, "citing paper is the edge source")
	}
}

func TestGraphBuilder_SeedFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		cause error
	}{
		{name: "not found", err: nil, cause: types.ErrNotFound},
		{name: "timeout", err: fmt.Errorf("%w: gave up", types.ErrFetchTimeout), cause: types.ErrFetchTimeout},
		{name: "upstream", err: fmt.Errorf("%w: bad gateway", types.ErrUpstream), cause: types.ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher()
			if tt.err != nil {
				f.errs["2001.00001"] = tt.err
			}

			g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{})
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, types.ErrSeedResolutionFailed)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestGraphBuilder_SeedReferencesError(t *testing.T) {
	f := newFakeFetcher()
	seed := f.add("2001.00001", "seed")
	seed.ReferencesError = "Semantic Scholar rate limit reached (HTTP 429). Try again shortly."

	g, err := newTestBuilder(f, BuilderConfig{}).Build(context.Background(), "2001.00001", types.BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
	assert.True(t, g.Incomplete)
	assert.Equal(t, seed.ReferencesError, g.ReferencesError)
}

// TestGraphBuilder_TimeoutReturnsPartialGraph tests that the build deadline yields an incomplete graph.
func TestGraphBuilder_TimeoutReturnsPartialGraph(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002", "2001.00003")
	f.add("2001.00002", "fast", "2001.00004")
	f.add("2001.00003", "fast too")
	f.block["2001.00004"] = true

	start := time.Now()
	g, err := newTestBuilder(f, BuilderConfig{BuildTimeout: 100 * time.Millisecond}).
		Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 2})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, g.Incomplete)
	assert.Equal(t, []types.PaperID{"2001.00001", "2001.00002", "2001.00003"}, nodeIDs(g))
	assert.Equal(t, 0, g.Stats.Skipped, "deadline casualties are not skips")
	require.NoError(t, g.Validate(0))
}

func TestGraphBuilder_CallerCancel(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002")
	f.block["2001.00002"] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	g, err := newTestBuilder(f, BuilderConfig{}).Build(ctx, "2001.00001", types.BuildOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, g)
}

func TestGraphBuilder_Deterministic(t *testing.T) {
	f := newFakeFetcher()
	f.delay = time.Millisecond
	var refs []types.PaperID
	for i := 2; i <= 20; i++ {
		id := types.PaperID(fmt.Sprintf("2001.%05d", i))
		refs = append(refs, id)
		f.add(id, fmt.Sprintf("paper %d on topic %d", i, i%3))
	}
	f.add("2001.00001", "seed", refs...)

	b := newTestBuilder(f, BuilderConfig{Workers: 8})
	first, err := b.Build(context.Background(), "2001.00001", types.BuildOptions{MaxNodes: 12})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := b.Build(context.Background(), "2001.00001", types.BuildOptions{MaxNodes: 12})
		require.NoError(t, err)
		assert.Equal(t, first.Nodes, again.Nodes)
		assert.Equal(t, first.Edges, again.Edges)
	}
}

func TestGraphBuilder_Observer(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002")
	f.add("2001.00002", "child", "2001.00003")
	f.add("2001.00003", "grandchild")

	var events []BuildEvent
	b := newTestBuilder(f, BuilderConfig{Observer: func(e BuildEvent) { events = append(events, e) }})

	_, err := b.Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 2})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 3, last.Nodes)
	assert.Equal(t, 2, last.Edges)
	for _, e := range events[:len(events)-1] {
		assert.False(t, e.Done)
		assert.Equal(t, types.PaperID("2001.00001"), e.SeedID)
	}
}

func TestGraphBuilder_ObserverCarriesOwner(t *testing.T) {
	f := newFakeFetcher()
	f.add("2001.00001", "seed", "2001.00002")
	f.add("2001.00002", "child")

	var owners []string
	b := newTestBuilder(f, BuilderConfig{Observer: func(e BuildEvent) { owners = append(owners, e.Owner) }})

	_, err := b.Build(WithOwner(context.Background(), "alice"), "2001.00001", types.BuildOptions{MaxDepth: 1})
	require.NoError(t, err)
	require.NotEmpty(t, owners)
	for _, o := range owners {
		assert.Equal(t, "alice", o)
	}

	owners = nil
	_, err = b.Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 1})
	require.NoError(t, err)
	for _, o := range owners {
		assert.Empty(t, o)
	}
}

// inflightFetcher records the peak number of concurrent Fetch calls.
type inflightFetcher struct {
	next Fetcher

	mu      sync.Mutex
	current int
	peak    int
}

func (f *inflightFetcher) Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	f.mu.Lock()
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()
	return f.next.Fetch(ctx, id)
}

func (f *inflightFetcher) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// TestGraphBuilder_WorkerLimit tests that a wide level never runs more
// fetches at once than the configured worker count.
func TestGraphBuilder_WorkerLimit(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond

	var refs []types.PaperID
	for i := 2; i <= 13; i++ {
		id := types.PaperID(fmt.Sprintf("2001.%05d", i))
		refs = append(refs, id)
		f.add(id, "paper "+string(id))
	}
	f.add("2001.00001", "seed", refs...)

	counter := &inflightFetcher{next: f}
	g, err := newTestBuilder(counter, BuilderConfig{Workers: 3}).Build(context.Background(), "2001.00001", types.BuildOptions{MaxDepth: 1, MaxNodes: 10})
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 10)
	assert.LessOrEqual(t, counter.maxInFlight(), 3)
	assert.Greater(t, counter.maxInFlight(), 1, "fetches should overlap")
	require.NoError(t, g.Validate(10))
}

// assertAcyclic runs Kahn's algorithm over the graph's edges.
func assertAcyclic(t *testing.T, g *types.Graph) {
	t.Helper()
	indeg := make(map[types.PaperID]int)
	out := make(map[types.PaperID][]types.PaperID)
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		indeg[e.Target]++
		out[e.Source] = append(out[e.Source], e.Target)
	}

	var queue []types.PaperID
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	assert.Equal(t, len(g.Nodes), seen, "graph has a cycle")
}
