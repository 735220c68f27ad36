package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

// PaperSearcher searches papers persisted from earlier graph builds.
// *services.SessionService satisfies it.
type PaperSearcher interface {
	SearchGraph(ctx context.Context, query string, limit int) ([]types.PaperMatch, error)
}

// GraphSearchHandler serves GET /api/graph/search.
type GraphSearchHandler struct {
	searcher PaperSearcher
	logger   *zap.Logger
}

// NewGraphSearchHandler creates a new GraphSearchHandler instance.
func NewGraphSearchHandler(searcher PaperSearcher, logger *zap.Logger) *GraphSearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphSearchHandler{searcher: searcher, logger: logger}
}

// Search handles GET /api/graph/search?q=&limit=.
func (h *GraphSearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, r, h.logger, fmt.Errorf("%w: q is required", types.ErrInvalidOptions))
		return
	}

	limit, err := parseNonNegative(q.Get("limit"), "limit")
	if err == nil && limit > storage.MaxSearchLimit {
		err = &paramError{name: "limit", value: q.Get("limit")}
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	matches, err := h.searcher.SearchGraph(r.Context(), query, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if matches == nil {
		matches = []types.PaperMatch{}
	}

	respondJSON(w, http.StatusOK, GraphSearchResponse{
		Query:   query,
		Results: matches,
		Total:   len(matches),
	})
}
