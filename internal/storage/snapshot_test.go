package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/pkg/types"
)

func sampleGraph() *types.Graph {
	published := time.Date(2017, 6, 12, 17, 57, 34, 0, time.UTC)
	return &types.Graph{
		SeedID: "1706.03762",
		Nodes: []types.GraphNode{
			{ID: "1706.03762", Label: "Attention Is All You Need", Content: "The dominant sequence transduction models", URL: "https://arxiv.org/abs/1706.03762", Published: &published, Authors: []string{"Ashish Vaswani"}, IsRoot: true},
			{ID: "1409.0473", Label: "Neural Machine Translation", Content: "arXiv paper 1409.0473", URL: "https://arxiv.org/abs/1409.0473", Authors: []string{}},
			{ID: "hep-th/9901001", Label: "hep-th/9901001", Content: "arXiv paper hep-th/9901001", URL: "https://arxiv.org/abs/hep-th/9901001", Authors: []string{}},
		},
		Edges: []types.GraphEdge{
			{Source: "1706.03762", Target: "1409.0473", Similarity: 0.1234},
			{Source: "1706.03762", Target: "hep-th/9901001", Similarity: 1.0 / 3.0},
		},
		Incomplete:      true,
		ReferencesError: "Semantic Scholar rate limit reached (HTTP 429). Try again shortly.",
		Stats:           types.BuildStats{Fetched: 3, Skipped: 1, Unresolvable: 4, DepthReached: 1, DurationMS: 812},
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	g := sampleGraph()

	data, err := ToSnapshot(g)
	require.NoError(t, err)

	got, err := FromSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, g, got)
	assert.Equal(t, 1.0/3.0, got.Edges[1].Similarity, "similarity survives exactly")
}

func TestSnapshot_EmptyEdges(t *testing.T) {
	g := &types.Graph{
		SeedID: "1706.03762",
		Nodes:  []types.GraphNode{{ID: "1706.03762", Label: "x", Content: "y", Authors: []string{}, IsRoot: true}},
	}

	data, err := ToSnapshot(g)
	require.NoError(t, err)

	got, err := FromSnapshot(data)
	require.NoError(t, err)
	assert.NotNil(t, got.Edges)
	assert.Empty(t, got.Edges)
}

func TestFromSnapshot_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "not json", data: "{{"},
		{name: "future version", data: `{"version": 99, "graph": {"seed_id": "1706.03762"}}`},
		{name: "missing version", data: `{"graph": {"seed_id": "1706.03762"}}`},
		{name: "missing graph", data: `{"version": 1}`},
		{name: "no root", data: `{"version": 1, "graph": {"seed_id": "1706.03762", "nodes": [{"id": "1706.03762"}]}}`},
		{name: "dangling edge", data: `{"version": 1, "graph": {"seed_id": "a", "nodes": [{"id": "a", "is_root": true}], "links": [{"source": "a", "target": "b", "similarity": 0.5}]}}`},
		{name: "similarity out of range", data: `{"version": 1, "graph": {"seed_id": "a", "nodes": [{"id": "a", "is_root": true}, {"id": "b"}], "links": [{"source": "a", "target": "b", "similarity": 1.5}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromSnapshot([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

func TestToSnapshot_Nil(t *testing.T) {
	_, err := ToSnapshot(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
