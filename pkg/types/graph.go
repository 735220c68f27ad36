package types

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph indicates a graph violates one of its structural invariants.
var ErrInvalidGraph = errors.New("invalid graph")

// GraphEdge is a directed citation relationship: Source cites Target.
// Similarity is the relatedness of the two papers in [0, 1] and carries no direction.
type GraphEdge struct {
	Source     PaperID `json:"source"`
	Target     PaperID `json:"target"`
	Similarity float64 `json:"similarity"`
}

// EdgeKey identifies an edge by its ordered endpoint pair.
type EdgeKey struct {
	Source PaperID
	Target PaperID
}

// Key returns the dedup key of the edge.
func (e GraphEdge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target}
}

// BuildStats summarizes the work done by a single build.
type BuildStats struct {
	Fetched      int   `json:"fetched"`      // Successful fetches (seed included)
	Skipped      int   `json:"skipped"`      // Resolvable references that failed to fetch
	Unresolvable int   `json:"unresolvable"` // References without an identifier the source can fetch
	DepthReached int   `json:"depth_reached"`
	DurationMS   int64 `json:"duration_ms"`
}

// Graph is the citation neighborhood of a seed paper.
//
// Invariants (checked by Validate):
//   - node IDs are unique and exactly one node, the seed, has IsRoot set
//   - every edge endpoint is a node and (Source, Target) pairs are unique
//   - similarities lie in [0, 1]
//
// Nodes and Edges are kept in discovery order so that identical builds
// produce identical output.
type Graph struct {
	SeedID          PaperID     `json:"seed_id"`
	Nodes           []GraphNode `json:"nodes"`
	Edges           []GraphEdge `json:"links"`
	Incomplete      bool        `json:"partial_data"`
	ReferencesError string      `json:"references_error,omitempty"`
	Stats           BuildStats  `json:"stats"`
}

// Node returns the node with the given ID, if present.
func (g *Graph) Node(id PaperID) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// Validate checks the structural invariants of the graph. A maxNodes of zero
// disables the size check.
func (g *Graph) Validate(maxNodes int) error {
	if g == nil {
		return fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	if g.SeedID == "" {
		return fmt.Errorf("%w: missing seed id", ErrInvalidGraph)
	}
	if maxNodes > 0 && len(g.Nodes) > maxNodes {
		return fmt.Errorf("%w: %d nodes exceeds limit %d", ErrInvalidGraph, len(g.Nodes), maxNodes)
	}

	ids := make(map[PaperID]struct{}, len(g.Nodes))
	roots := 0
	for _, n := range g.Nodes {
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalidGraph, n.ID)
		}
		ids[n.ID] = struct{}{}
		if n.IsRoot {
			roots++
			if n.ID != g.SeedID {
				return fmt.Errorf("%w: root node %s is not the seed %s", ErrInvalidGraph, n.ID, g.SeedID)
			}
		}
	}
	if roots != 1 {
		return fmt.Errorf("%w: expected exactly one root, found %d", ErrInvalidGraph, roots)
	}

	edges := make(map[EdgeKey]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("%w: edge source %s is not a node", ErrInvalidGraph, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("%w: edge target %s is not a node", ErrInvalidGraph, e.Target)
		}
		if _, dup := edges[e.Key()]; dup {
			return fmt.Errorf("%w: duplicate edge %s -> %s", ErrInvalidGraph, e.Source, e.Target)
		}
		edges[e.Key()] = struct{}{}
		if e.Similarity < 0 || e.Similarity > 1 {
			return fmt.Errorf("%w: similarity %v out of range on %s -> %s", ErrInvalidGraph, e.Similarity, e.Source, e.Target)
		}
	}

	return nil
}
