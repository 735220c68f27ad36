package handlers

import (
	"time"

	"github.com/scrypster/citegraph/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ReferenceView is a reference as shown on the paper detail surface.
type ReferenceView struct {
	Title   string        `json:"title"`
	URL     string        `json:"url,omitempty"`
	ArxivID types.PaperID `json:"arxiv_id,omitempty"`
}

// PaperResponse is the response format for GET /api/paper.
type PaperResponse struct {
	ID              types.PaperID   `json:"id"`
	Title           string          `json:"title"`
	Authors         []string        `json:"authors"`
	Summary         string          `json:"summary"`
	Published       *time.Time      `json:"published,omitempty"`
	URL             string          `json:"url"`
	References      []ReferenceView `json:"references"`
	Citations       []ReferenceView `json:"citations,omitempty"`
	ReferencesError string          `json:"references_error,omitempty"`
}

// SearchResponse is the response format for GET /api/papers/search.
type SearchResponse struct {
	Query   string          `json:"query"`
	Results []PaperResponse `json:"results"`
	Total   int             `json:"total"`
}

// GraphSearchResponse is the response format for GET /api/graph/search.
type GraphSearchResponse struct {
	Query   string             `json:"query"`
	Results []types.PaperMatch `json:"results"`
	Total   int                `json:"total"`
}

// CreateSessionRequest is the request body of POST /api/sessions.
type CreateSessionRequest struct {
	Link     string  `json:"link" validate:"required,max=512"`
	Title    *string `json:"title,omitempty" validate:"omitempty,max=200"`
	Mode     string  `json:"mode,omitempty" validate:"omitempty,oneof=references citations"`
	MaxDepth int     `json:"max_depth,omitempty" validate:"gte=0,lte=5"`
	MaxNodes int     `json:"max_nodes,omitempty" validate:"gte=0,lte=500"`
}

// UpdateSessionRequest is the request body of PATCH /api/sessions/{id}.
type UpdateSessionRequest struct {
	Title *string `json:"title" validate:"omitempty,max=200"`
}

// SessionListResponse is the response format for GET /api/sessions.
type SessionListResponse struct {
	Sessions []types.SessionSummary `json:"sessions"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// ToPaperResponse converts a paper record to its public form.
func ToPaperResponse(p *types.PaperRecord) PaperResponse {
	resp := PaperResponse{
		ID:              p.ID,
		Title:           p.Title,
		Authors:         p.Authors,
		Summary:         p.Abstract,
		Published:       p.Published,
		URL:             p.URL,
		References:      toReferenceViews(p.References),
		ReferencesError: p.ReferencesError,
	}
	if resp.Authors == nil {
		resp.Authors = []string{}
	}
	if resp.URL == "" {
		resp.URL = p.ID.AbsURL()
	}
	if len(p.Citations) > 0 {
		resp.Citations = toReferenceViews(p.Citations)
	}
	return resp
}

func toReferenceViews(refs []types.Reference) []ReferenceView {
	views := make([]ReferenceView, 0, len(refs))
	for _, ref := range refs {
		views = append(views, ReferenceView{
			Title:   ref.Title,
			URL:     ref.BestURL(),
			ArxivID: ref.ArxivID,
		})
	}
	return views
}
