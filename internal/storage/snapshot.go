package storage

import (
	"encoding/json"
	"fmt"

	"github.com/scrypster/citegraph/pkg/types"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// snapshot is the persisted form of a graph. Similarities are stored as
// JSON numbers, which round-trip float64 exactly.
type snapshot struct {
	Version int          `json:"version"`
	Graph   *types.Graph `json:"graph"`
}

// ToSnapshot serializes a graph for storage with a session.
func ToSnapshot(g *types.Graph) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidInput)
	}
	data, err := json.Marshal(snapshot{Version: SnapshotVersion, Graph: g})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot decodes a stored snapshot and checks the graph invariants.
func FromSnapshot(data []byte) (*types.Graph, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSnapshot)
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Version < 1 || s.Version > SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	if s.Graph == nil {
		return nil, fmt.Errorf("%w: missing graph", ErrInvalidSnapshot)
	}
	if s.Graph.Edges == nil {
		s.Graph.Edges = []types.GraphEdge{}
	}
	if err := s.Graph.Validate(types.MaxAllowedNodes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	return s.Graph, nil
}
