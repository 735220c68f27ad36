package types

import (
	"fmt"
	"strings"
	"time"
)

// PaperID is the canonical arXiv identifier of a paper without a version
// suffix (e.g. "1706.03762" or "hep-th/9901001"). It is the dedup key for
// graph nodes. Construct one through arxiv.Normalize.
type PaperID string

// String returns the identifier as a plain string.
func (id PaperID) String() string {
	return string(id)
}

// AbsURL returns the canonical arXiv abstract page for the identifier.
func (id PaperID) AbsURL() string {
	return "https://arxiv.org/abs/" + string(id)
}

// Reference is one entry of a paper's reference (or citation) list as reported
// by the metadata source. Only entries with an ArxivID can be expanded.
type Reference struct {
	Title              string  `json:"title"`
	ArxivID            PaperID `json:"arxiv_id,omitempty"`
	URL                string  `json:"url,omitempty"`                  // arXiv abstract URL
	DOIURL             string  `json:"doi_url,omitempty"`              // DOI mirror
	SemanticScholarURL string  `json:"semantic_scholar_url,omitempty"` // Alternate index
}

// BestURL returns the most specific outbound link available for the reference.
func (r Reference) BestURL() string {
	switch {
	case r.URL != "":
		return r.URL
	case r.DOIURL != "":
		return r.DOIURL
	default:
		return r.SemanticScholarURL
	}
}

// Resolvable reports whether the reference carries an identifier the
// metadata source can fetch.
func (r Reference) Resolvable() bool {
	return r.ArxivID != ""
}

// PaperRecord is a single paper fetched from the metadata source.
// Records are immutable once created and may be shared between builds.
type PaperRecord struct {
	ID         PaperID     `json:"id"`
	Title      string      `json:"title"`
	Authors    []string    `json:"authors"`
	Abstract   string      `json:"abstract"`
	Published  *time.Time  `json:"published,omitempty"`
	URL        string      `json:"url"`
	References []Reference `json:"references"`
	Citations  []Reference `json:"citations,omitempty"`

	// ReferencesError is set when the reference list could not be retrieved
	// or parsed. The metadata fields are still valid; the lists are empty.
	ReferencesError string `json:"references_error,omitempty"`
}

// Neighbors returns the list the builder follows for the given mode.
func (p *PaperRecord) Neighbors(mode TraversalMode) []Reference {
	if mode == ModeCitations {
		return p.Citations
	}
	return p.References
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and trims the ends.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// GraphNode is a paper as it appears in a graph.
type GraphNode struct {
	ID        PaperID    `json:"id"`
	Label     string     `json:"label"`
	Content   string     `json:"content"`
	URL       string     `json:"url,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Authors   []string   `json:"authors"`
	IsRoot    bool       `json:"is_root"`
}

// NewGraphNode derives a node from a fetched record.
func NewGraphNode(rec *PaperRecord, isRoot bool) GraphNode {
	label := NormalizeWhitespace(rec.Title)
	if label == "" {
		label = rec.ID.String()
	}

	content := NormalizeWhitespace(rec.Abstract)
	if content == "" {
		content = fmt.Sprintf("arXiv paper %s", rec.ID)
	}

	url := rec.URL
	if url == "" {
		url = rec.ID.AbsURL()
	}

	authors := make([]string, 0, len(rec.Authors))
	for _, a := range rec.Authors {
		if a = NormalizeWhitespace(a); a != "" {
			authors = append(authors, a)
		}
	}

	var published *time.Time
	if rec.Published != nil {
		t := rec.Published.UTC()
		published = &t
	}

	return GraphNode{
		ID:        rec.ID,
		Label:     label,
		Content:   content,
		URL:       url,
		Published: published,
		Authors:   authors,
		IsRoot:    isRoot,
	}
}
