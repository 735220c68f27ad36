package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/scrypster/citegraph/pkg/types"
)

const atomNamespace = "http://www.w3.org/2005/Atom"

// atomFeed is the subset of the arXiv Atom response we rely on.
type atomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

// isError reports whether the entry is arXiv's in-band error entry, which
// the API returns instead of an HTTP error for unknown or malformed IDs.
func (e atomEntry) isError() bool {
	id := strings.TrimSpace(e.ID)
	return strings.Contains(id, "/api/errors") || strings.EqualFold(strings.TrimSpace(e.Title), "error")
}

// record converts an entry into a PaperRecord, enforcing the fields we need.
func (e atomEntry) record() (*types.PaperRecord, error) {
	rawID := types.NormalizeWhitespace(e.ID)
	if rawID == "" {
		return nil, fmt.Errorf("%w: %w: entry without id", types.ErrUpstream, errMalformed)
	}
	id, err := Normalize(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: entry id %q: %v", types.ErrUpstream, errMalformed, rawID, err)
	}

	title := types.NormalizeWhitespace(e.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: %w: entry %s without title", types.ErrUpstream, errMalformed, id)
	}

	var published *time.Time
	if p := strings.TrimSpace(e.Published); p != "" {
		t, err := time.Parse(time.RFC3339, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: entry %s published %q", types.ErrUpstream, errMalformed, id, p)
		}
		t = t.UTC()
		published = &t
	}

	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if name := types.NormalizeWhitespace(a.Name); name != "" {
			authors = append(authors, name)
		}
	}

	return &types.PaperRecord{
		ID:        id,
		Title:     title,
		Authors:   authors,
		Abstract:  types.NormalizeWhitespace(e.Summary),
		Published: published,
		URL:       rawID,
	}, nil
}

func decodeFeed(body []byte) (*atomFeed, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("%w: %w: atom feed: %v", types.ErrUpstream, errMalformed, err)
	}
	if feed.XMLName.Space != atomNamespace {
		return nil, fmt.Errorf("%w: %w: unexpected feed namespace %q", types.ErrUpstream, errMalformed, feed.XMLName.Space)
	}
	return &feed, nil
}

// fetchMetadata queries the arXiv export API for a single identifier.
func (c *Client) fetchMetadata(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	params := url.Values{}
	params.Set("id_list", id.String())
	params.Set("max_results", "1")

	body, err := c.get(ctx, c.arxivBreaker, upstreamArxiv, c.arxivURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", id, err)
	}

	feed, err := decodeFeed(body)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", id, err)
	}

	for _, entry := range feed.Entries {
		if entry.isError() {
			continue
		}
		rec, err := entry.record()
		if err != nil {
			return nil, fmt.Errorf("fetch metadata for %s: %w", id, err)
		}
		if rec.ID != id {
			return nil, fmt.Errorf("fetch metadata for %s: %w: %w: feed returned %s", id, types.ErrUpstream, errMalformed, rec.ID)
		}
		return rec, nil
	}

	return nil, fmt.Errorf("fetch metadata for %s: %w", id, types.ErrNotFound)
}
