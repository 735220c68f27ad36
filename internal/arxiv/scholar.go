package arxiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/scrypster/citegraph/pkg/types"
)

const (
	referenceFields = "references.title,references.externalIds,references.url"
	citationFields  = "citations.title,citations.externalIds,citations.url"
)

// scholarPaper is the Semantic Scholar Graph API paper response restricted
// to the nested reference and citation lists we request.
type scholarPaper struct {
	References *[]scholarRef `json:"references"`
	Citations  *[]scholarRef `json:"citations"`
}

type scholarRef struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	ExternalIDs *struct {
		ArXiv string `json:"ArXiv"`
		DOI   string `json:"DOI"`
	} `json:"externalIds"`
}

func (r scholarRef) reference() types.Reference {
	ref := types.Reference{
		Title:              types.NormalizeWhitespace(r.Title),
		SemanticScholarURL: strings.TrimSpace(r.URL),
	}
	if r.ExternalIDs == nil {
		return ref
	}
	if raw := strings.TrimSpace(r.ExternalIDs.ArXiv); raw != "" {
		// An unparsable arXiv ID leaves the reference unresolvable.
		if id, err := Normalize(raw); err == nil {
			ref.ArxivID = id
			ref.URL = id.AbsURL()
		}
	}
	if doi := strings.TrimSpace(r.ExternalIDs.DOI); doi != "" {
		ref.DOIURL = "https://doi.org/" + doi
	}
	return ref
}

// fetchNeighbors retrieves the reference list (and citations when enabled).
func (c *Client) fetchNeighbors(ctx context.Context, id types.PaperID) ([]types.Reference, []types.Reference, error) {
	fields := referenceFields
	if c.fetchCitations {
		fields += "," + citationFields
	}

	params := url.Values{}
	params.Set("fields", fields)
	// Canonical IDs only contain URL-safe characters; old-style IDs keep their slash.
	endpoint := c.scholarURL + "/ArXiv:" + id.String() + "?" + params.Encode()

	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"x-api-key": []string{c.apiKey}}
	}

	body, err := c.get(ctx, c.scholarBreaker, upstreamScholar, endpoint, header)
	if err != nil {
		return nil, nil, err
	}

	var paper scholarPaper
	if err := json.Unmarshal(body, &paper); err != nil {
		return nil, nil, fmt.Errorf("%w: %w: paper json: %v", types.ErrUpstream, errMalformed, err)
	}
	if paper.References == nil {
		return nil, nil, fmt.Errorf("%w: %w: response has no references field", types.ErrUpstream, errMalformed)
	}
	if c.fetchCitations && paper.Citations == nil {
		return nil, nil, fmt.Errorf("%w: %w: response has no citations field", types.ErrUpstream, errMalformed)
	}

	refs := convertRefs(*paper.References)
	var cites []types.Reference
	if paper.Citations != nil {
		cites = convertRefs(*paper.Citations)
	}
	return refs, cites, nil
}

func convertRefs(in []scholarRef) []types.Reference {
	out := make([]types.Reference, 0, len(in))
	for _, r := range in {
		out = append(out, r.reference())
	}
	return out
}

// summarizeReferencesError renders a reference-list failure for end users.
func summarizeReferencesError(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests {
			if se.RetryAfter != "" {
				return fmt.Sprintf("Semantic Scholar rate limit reached (HTTP 429). Retry-After: %s.", se.RetryAfter)
			}
			return "Semantic Scholar rate limit reached (HTTP 429). Try again shortly."
		}
		return fmt.Sprintf("Semantic Scholar request failed with HTTP %d.", se.StatusCode)
	}

	switch {
	case errors.Is(err, types.ErrFetchTimeout), errors.Is(err, errAttemptTimeout):
		return "Timed out while fetching references from Semantic Scholar."
	case errors.Is(err, errMalformed):
		return "Failed to parse reference metadata from Semantic Scholar."
	case errors.Is(err, errConnection), errors.Is(err, ErrCircuitOpen):
		return "Failed to fetch references from Semantic Scholar."
	}
	return "Failed to fetch references."
}
