// Package handlers provides the HTTP handlers and middleware of the citegraph
// API: graph, paper and search queries, user sessions, and the build
// progress websocket.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/arxiv"
	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

// GraphService is the engine surface the API handlers need.
// *engine.Service satisfies it.
type GraphService interface {
	BuildGraph(ctx context.Context, seed types.PaperID, opts types.BuildOptions) (*types.Graph, error)
	Paper(ctx context.Context, id types.PaperID) (*types.PaperRecord, error)
	Search(ctx context.Context, query string, maxResults int) ([]types.PaperRecord, error)
}

// APIHandler serves the graph, paper and search endpoints.
type APIHandler struct {
	graphs GraphService
	logger *zap.Logger
}

// NewAPIHandler creates a new APIHandler instance.
func NewAPIHandler(graphs GraphService, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{graphs: graphs, logger: logger}
}

// Graph handles GET /api/graph.
//
// Query parameters:
//   - link       seed arXiv link or identifier (required)
//   - depth      reference-following hops (default 1, max 5)
//   - max_nodes  node cap including the seed (default 50, max 500)
//   - mode       references (default) or citations
func (h *APIHandler) Graph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	seed, err := arxiv.Normalize(q.Get("link"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	opts, err := parseBuildOptions(q.Get("depth"), q.Get("max_nodes"), q.Get("mode"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	graph, err := h.graphs.BuildGraph(r.Context(), seed, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, graph)
}

// Paper handles GET /api/paper?link=<id>.
func (h *APIHandler) Paper(w http.ResponseWriter, r *http.Request) {
	id, err := arxiv.Normalize(r.URL.Query().Get("link"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	paper, err := h.graphs.Paper(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, ToPaperResponse(paper))
}

// Search handles GET /api/papers/search?q=&max_results=.
func (h *APIHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		h.fail(w, r, fmt.Errorf("%w: q is required", types.ErrInvalidOptions))
		return
	}

	maxResults, err := parseNonNegative(q.Get("max_results"), "max_results")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	papers, err := h.graphs.Search(r.Context(), query, maxResults)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	results := make([]PaperResponse, 0, len(papers))
	for i := range papers {
		results = append(results, ToPaperResponse(&papers[i]))
	}
	respondJSON(w, http.StatusOK, SearchResponse{
		Query:   query,
		Results: results,
		Total:   len(results),
	})
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

// parseBuildOptions reads the graph query parameters. Blank values take
// defaults; malformed ones are rejected.
func parseBuildOptions(depth, maxNodes, mode string) (types.BuildOptions, error) {
	var opts types.BuildOptions
	var err error

	if opts.MaxDepth, err = parseNonNegative(depth, "depth"); err != nil {
		return opts, err
	}
	if opts.MaxNodes, err = parseNonNegative(maxNodes, "max_nodes"); err != nil {
		return opts, err
	}
	if opts.Mode, err = types.ParseMode(mode); err != nil {
		return opts, err
	}
	opts.Normalize()
	return opts, nil
}

func parseNonNegative(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &paramError{name: name, value: s}
	}
	return n, nil
}

type paramError struct {
	name, value string
}

func (e *paramError) Error() string {
	return "invalid " + e.name + ": " + strconv.Quote(e.value)
}

func (e *paramError) Unwrap() error { return types.ErrInvalidOptions }

// errorStatus maps an error to its HTTP status and machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, types.ErrInvalidIdentifier):
		return http.StatusUnprocessableEntity, "INVALID_IDENTIFIER"
	case errors.Is(err, types.ErrInvalidOptions):
		return http.StatusUnprocessableEntity, "INVALID_OPTIONS"
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "INVALID_INPUT"
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "PAPER_NOT_FOUND"
	case errors.Is(err, types.ErrBuildTimeout):
		return http.StatusGatewayTimeout, "BUILD_TIMEOUT"
	case errors.Is(err, types.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case errors.Is(err, types.ErrUpstream):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError logs server-side failures and writes the error body. Details
// are only exposed for client errors.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody reads the response.
		logger.Debug("request canceled", zap.String("path", r.URL.Path))
		return
	}

	status, code := errorStatus(err)
	message := http.StatusText(status)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			respondError(w, status, code, message, nil)
			return
		}
	}

	respondError(w, status, code, message, err)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, code, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  code,
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
