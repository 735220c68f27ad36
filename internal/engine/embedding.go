package engine

import (
	"hash/fnv"

	"gonum.org/v1/gonum/floats"

	"github.com/scrypster/citegraph/pkg/types"
)

// Embed maps text to an L2-normalized term-frequency vector of
// types.EmbeddingDimension buckets. Terms are the ones Score compares
// (lower-cased, stop words and short tokens removed), each hashed into a
// bucket. Text without terms yields the zero vector.
func (s *Scorer) Embed(text string) []float32 {
	vec := make([]float64, types.EmbeddingDimension)
	for _, term := range s.terms(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		vec[h.Sum32()%types.EmbeddingDimension]++
	}

	if n := floats.Norm(vec, 2); n > 0 {
		floats.Scale(1/n, vec)
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

// EmbedNode embeds a graph node's title and abstract.
func (s *Scorer) EmbedNode(n types.GraphNode) []float32 {
	return s.Embed(n.Label + " " + n.Content)
}
