package engine

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/scrypster/citegraph/pkg/types"
)

// Default scorer weights. They sum to 1 so the combined score stays in [0, 1].
const (
	DefaultAuthorWeight = 0.3
	DefaultTextWeight   = 0.7

	minTokenLength = 3
)

// Scorer computes the relatedness of two papers.
//
// The score combines author overlap (Jaccard over normalized names) with the
// cosine similarity of title+abstract term-frequency vectors. It is pure,
// deterministic and symmetric. Citation direction is carried by the edge,
// never by the score.
type Scorer struct {
	authorWeight float64
	textWeight   float64
	stopWords    map[string]bool
}

// NewScorer creates a scorer with the default weights.
func NewScorer() *Scorer {
	return NewWeightedScorer(DefaultAuthorWeight, DefaultTextWeight)
}

// NewWeightedScorer creates a scorer with custom weights. Negative weights
// are treated as zero; weights are rescaled to sum to 1.
func NewWeightedScorer(authorWeight, textWeight float64) *Scorer {
	authorWeight = math.Max(authorWeight, 0)
	textWeight = math.Max(textWeight, 0)
	if sum := authorWeight + textWeight; sum > 0 {
		authorWeight /= sum
		textWeight /= sum
	} else {
		authorWeight, textWeight = DefaultAuthorWeight, DefaultTextWeight
	}
	return &Scorer{
		authorWeight: authorWeight,
		textWeight:   textWeight,
		stopWords:    defaultStopWords(),
	}
}

// Score returns the similarity of a and b in [0, 1], rounded to four decimals.
func (s *Scorer) Score(a, b *types.PaperRecord) float64 {
	if a == nil || b == nil {
		return 0
	}

	authors := jaccard(authorSet(a.Authors), authorSet(b.Authors))
	text := s.cosine(s.termFrequencies(a), s.termFrequencies(b))

	score := s.authorWeight*authors + s.textWeight*text
	return round4(clamp01(score))
}

func (s *Scorer) termFrequencies(p *types.PaperRecord) map[string]float64 {
	tf := make(map[string]float64)
	for _, term := range s.terms(p.Title + " " + p.Abstract) {
		tf[term]++
	}
	return tf
}

// terms returns the comparable tokens of text in order.
func (s *Scorer) terms(text string) []string {
	var out []string
	for _, tok := range tokenize(text) {
		if len(tok) < minTokenLength || s.stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// cosine projects both frequency maps onto their sorted union vocabulary.
func (s *Scorer) cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	vocab := make([]string, 0, len(a)+len(b))
	for term := range a {
		vocab = append(vocab, term)
	}
	for term := range b {
		if _, ok := a[term]; !ok {
			vocab = append(vocab, term)
		}
	}
	sort.Strings(vocab)

	va := make([]float64, len(vocab))
	vb := make([]float64, len(vocab))
	for i, term := range vocab {
		va[i] = a[term]
		vb[i] = b[term]
	}

	na, nb := floats.Norm(va, 2), floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(va, vb) / (na * nb)
}

func authorSet(authors []string) map[string]bool {
	set := make(map[string]bool, len(authors))
	for _, a := range authors {
		if name := strings.ToLower(types.NormalizeWhitespace(a)); name != "" {
			set[name] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// tokenize splits text into lowercase alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// defaultStopWords returns common English stop words plus boilerplate that
// shows up in nearly every abstract.
func defaultStopWords() map[string]bool {
	words := []string{
		"the", "and", "that", "have", "for", "not", "with", "you", "this", "but",
		"his", "from", "they", "say", "her", "she", "will", "one", "all", "would",
		"there", "their", "what", "out", "about", "who", "get", "which", "when",
		"make", "can", "like", "just", "him", "know", "take", "into", "your",
		"some", "could", "them", "see", "other", "than", "then", "now", "only",
		"its", "over", "also", "after", "use", "two", "how", "our", "well", "way",
		"even", "new", "want", "because", "any", "these", "give", "most", "are",
		"was", "been", "has", "had", "were", "said", "did", "having", "may",
		"should", "too", "very", "such", "both", "each", "between", "while",
		"where", "more", "less", "here", "those", "does", "using", "used", "via",
		"based", "show", "shows", "paper", "propose", "proposed", "present",
		"approach", "method", "methods", "results", "work",
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
