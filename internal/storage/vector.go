package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/scrypster/citegraph/pkg/types"
)

// Graph-paper search limits.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 50
)

// NormalizeSearchLimit applies the default and cap to a search limit.
func NormalizeSearchLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return min(limit, MaxSearchLimit)
}

// ValidateIndexedPaper checks the fields every backend requires on upsert.
func ValidateIndexedPaper(p *types.IndexedPaper) error {
	if p.ID == "" {
		return fmt.Errorf("%w: paper ID is required", ErrInvalidInput)
	}
	if len(p.Embedding) != types.EmbeddingDimension {
		return fmt.Errorf("%w: paper %s: embedding length %d, want %d",
			ErrInvalidInput, p.ID, len(p.Embedding), types.EmbeddingDimension)
	}
	return nil
}

// EncodeVector serializes a vector as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// IsZeroVector reports whether v has no non-zero component.
func IsZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// CosineSimilarity returns the cosine of a and b clamped to [0, 1]. Vectors
// of different length or zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	va, vb := widen(a), widen(b)
	na, nb := floats.Norm(va, 2), floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := floats.Dot(va, vb) / (na * nb)
	return math.Max(0, math.Min(1, sim))
}

// RankByCosine scores papers against query in process and returns the best
// limit matches. Ties are broken by paper ID so results are stable.
func RankByCosine(papers []types.IndexedPaper, query []float32, limit int) []types.PaperMatch {
	limit = NormalizeSearchLimit(limit)
	matches := []types.PaperMatch{}
	if IsZeroVector(query) {
		return matches
	}

	for _, p := range papers {
		score := CosineSimilarity(p.Embedding, query)
		if score <= 0 {
			continue
		}
		matches = append(matches, types.PaperMatch{IndexedPaper: p, Score: roundScore(score)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func roundScore(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
