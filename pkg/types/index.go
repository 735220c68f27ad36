package types

import "time"

// EmbeddingDimension is the length of the hashed term vectors stored for
// graph-paper search.
const EmbeddingDimension = 256

// IndexedPaper is a paper persisted from a built graph so that later graph
// searches can find it regardless of which session discovered it.
type IndexedPaper struct {
	ID        PaperID    `json:"arxiv_id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	URL       string     `json:"url"`
	Authors   []string   `json:"authors"`
	Published *time.Time `json:"published,omitempty"`
	Embedding []float32  `json:"-"`
}

// NewIndexedPaper derives the persisted form of a graph node.
func NewIndexedPaper(n GraphNode, embedding []float32) IndexedPaper {
	authors := n.Authors
	if authors == nil {
		authors = []string{}
	}
	return IndexedPaper{
		ID:        n.ID,
		Title:     n.Label,
		Summary:   n.Content,
		URL:       n.URL,
		Authors:   authors,
		Published: n.Published,
		Embedding: embedding,
	}
}

// PaperMatch is a graph-paper search hit. Score is the cosine similarity of
// the paper's term vector to the query's, in [0, 1].
type PaperMatch struct {
	IndexedPaper
	Score float64 `json:"similarity_score"`
}
