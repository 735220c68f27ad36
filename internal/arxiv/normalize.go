// Package arxiv talks to the paper metadata source: it canonicalizes arXiv
// identifiers and fetches paper metadata (arXiv export API) together with the
// reference list (Semantic Scholar Graph API).
package arxiv

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/scrypster/citegraph/pkg/types"
)

var (
	// 1706.03762, 2301.00001v2 (4-digit sequence numbers before 2015, 5 after)
	newStyleID = regexp.MustCompile(`^(\d{4}\.\d{4,5})(v\d+)?$`)

	// hep-th/9901001, math.GT/0309136v1
	oldStyleID = regexp.MustCompile(`^([a-z]+(?:-[a-z]+)*(?:\.[A-Z]{2})?/\d{7})(v\d+)?$`)
)

// arXiv's DataCite DOI prefix: 10.48550/arXiv.<id>
const doiPrefix = "10.48550/arxiv."

// Normalize parses a user-supplied identifier or URL into a canonical PaperID.
//
// Accepted forms:
//   - bare identifiers, new style (1706.03762) or old style (hep-th/9901001),
//     with an optional "arXiv:" prefix and an optional version suffix
//   - arxiv.org URLs with /abs/, /pdf/ (optionally ending in .pdf) or /html/ paths
//   - DOI mirrors: 10.48550/arXiv.<id> and https://doi.org/10.48550/arXiv.<id>
//
// The version suffix is dropped. Normalize is pure and idempotent.
func Normalize(raw string) (types.PaperID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty input", types.ErrInvalidIdentifier)
	}

	candidate, err := extractCandidate(s)
	if err != nil {
		return "", err
	}

	if m := newStyleID.FindStringSubmatch(candidate); m != nil {
		return types.PaperID(m[1]), nil
	}
	if m := oldStyleID.FindStringSubmatch(candidate); m != nil {
		return types.PaperID(m[1]), nil
	}

	return "", fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, raw)
}

// extractCandidate strips URL, DOI and prefix decoration around the identifier.
func extractCandidate(s string) (string, error) {
	lower := strings.ToLower(s)

	if looksLikeURL(lower) {
		return extractFromURL(s)
	}

	switch {
	case strings.HasPrefix(lower, "arxiv:"):
		return strings.TrimSpace(s[len("arxiv:"):]), nil
	case strings.HasPrefix(lower, doiPrefix):
		return s[len(doiPrefix):], nil
	}
	return s, nil
}

func looksLikeURL(lower string) bool {
	if strings.Contains(lower, "://") {
		return true
	}
	for _, host := range []string{"arxiv.org/", "www.arxiv.org/", "export.arxiv.org/", "doi.org/", "dx.doi.org/"} {
		if strings.HasPrefix(lower, host) {
			return true
		}
	}
	return false
}

func extractFromURL(s string) (string, error) {
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed url: %v", types.ErrInvalidIdentifier, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", types.ErrInvalidIdentifier, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "export.")
	path := strings.TrimSuffix(u.Path, "/")

	switch host {
	case "arxiv.org":
		for _, prefix := range []string{"/abs/", "/pdf/", "/html/"} {
			if strings.HasPrefix(path, prefix) {
				id := strings.TrimPrefix(path, prefix)
				id = strings.TrimSuffix(id, ".pdf")
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: arxiv url without a paper path: %q", types.ErrInvalidIdentifier, s)

	case "doi.org", "dx.doi.org":
		doi := strings.TrimPrefix(path, "/")
		if strings.HasPrefix(strings.ToLower(doi), doiPrefix) {
			return doi[len(doiPrefix):], nil
		}
		return "", fmt.Errorf("%w: doi is not an arXiv DOI: %q", types.ErrInvalidIdentifier, doi)
	}

	return "", fmt.Errorf("%w: unsupported host %q", types.ErrInvalidIdentifier, host)
}
