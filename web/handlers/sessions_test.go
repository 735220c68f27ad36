package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/services"
	"github.com/scrypster/citegraph/internal/storage/sqlite"
	"github.com/scrypster/citegraph/pkg/types"
	"github.com/scrypster/citegraph/web/handlers"
)

// stubGraphs builds a two-node graph for any seed.
type stubGraphs struct {
	mu    sync.Mutex
	calls int
}

func (s *stubGraphs) BuildGraph(_ context.Context, seed types.PaperID, _ types.BuildOptions) (*types.Graph, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &types.Graph{
		SeedID: seed,
		Nodes: []types.GraphNode{
			{ID: seed, Label: "Seed", Content: "seed abstract", Authors: []string{}, IsRoot: true},
			{ID: "1409.0473", Label: "Reference", Content: "reference abstract", Authors: []string{}},
		},
		Edges: []types.GraphEdge{{Source: seed, Target: "1409.0473", Similarity: 0.5}},
	}, nil
}

func (s *stubGraphs) buildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newSessionRouter(t *testing.T) (http.Handler, *stubGraphs) {
	t.Helper()

	store, err := sqlite.NewSessionStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	graphs := &stubGraphs{}
	svc := services.NewSessionService(graphs, store, nil)
	auth := handlers.NewAuthenticator(config.SecurityConfig{Mode: config.ModeDevelopment}, nil)

	r := chi.NewRouter()
	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(auth.RequireUser)
		handlers.NewSessionHandler(svc, nil).Routes(r)
	})
	return r, graphs
}

func do(t *testing.T, h http.Handler, method, target, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(handlers.DevUserHeader, user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, h http.Handler, user, link string) types.SessionDetail {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/sessions", user, map[string]interface{}{
		"link":  link,
		"title": "My reading list",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var detail types.SessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	return detail
}

func TestSessionHandler_CreateAndGet(t *testing.T) {
	h, graphs := newSessionRouter(t)

	created := createSession(t, h, "alice", "https://arxiv.org/abs/1706.03762v5")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.UserID)
	assert.Equal(t, types.PaperID("1706.03762"), created.SeedPaperID)
	assert.Equal(t, types.ModeReferences, created.Mode)
	require.NotNil(t, created.Title)
	assert.Equal(t, "My reading list", *created.Title)
	require.NotNil(t, created.Graph)
	assert.Len(t, created.Graph.Nodes, 2)
	assert.Equal(t, 1, graphs.buildCount())

	w := do(t, h, http.MethodGet, "/api/sessions/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got types.SessionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Graph.Edges, got.Graph.Edges)
	assert.Equal(t, 1, graphs.buildCount(), "reads come from the snapshot")
}

func TestSessionHandler_CreateRejectsBadBodies(t *testing.T) {
	h, graphs := newSessionRouter(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{name: "not json", body: "{", wantStatus: http.StatusBadRequest, wantCode: "INVALID_BODY"},
		{name: "unknown field", body: `{"link":"1706.03762","colour":"red"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_BODY"},
		{name: "missing link", body: map[string]interface{}{"title": "x"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_INPUT"},
		{name: "bad mode", body: map[string]interface{}{"link": "1706.03762", "mode": "sideways"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_INPUT"},
		{name: "depth too large", body: map[string]interface{}{"link": "1706.03762", "max_depth": 9}, wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_INPUT"},
		{name: "not an arxiv link", body: map[string]interface{}{"link": "https://example.com/x"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "INVALID_IDENTIFIER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/sessions", "alice", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			var resp handlers.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
	assert.Zero(t, graphs.buildCount())
}

func TestSessionHandler_ValidationDetailsUseJSONNames(t *testing.T) {
	h, _ := newSessionRouter(t)

	w := do(t, h, http.MethodPost, "/api/sessions", "alice", map[string]interface{}{
		"link":      "1706.03762",
		"max_nodes": 9999,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Details, "max_nodes")
}

func TestSessionHandler_ListIsScopedToCaller(t *testing.T) {
	h, _ := newSessionRouter(t)

	createSession(t, h, "alice", "1706.03762")
	createSession(t, h, "alice", "1810.04805")
	createSession(t, h, "bob", "2005.14165")

	w := do(t, h, http.MethodGet, "/api/sessions?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page handlers.SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, "alice", page.Sessions[0].UserID)

	w = do(t, h, http.MethodGet, "/api/sessions", "alice", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Sessions, 2)
	for _, s := range page.Sessions {
		assert.Equal(t, "alice", s.UserID)
	}
}

func TestSessionHandler_OtherUsersSessionsAreNotFound(t *testing.T) {
	h, _ := newSessionRouter(t)
	created := createSession(t, h, "alice", "1706.03762")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/" + created.ID},
		{http.MethodDelete, "/api/sessions/" + created.ID},
		{http.MethodPost, "/api/sessions/" + created.ID + "/refresh"},
	} {
		w := do(t, h, tc.method, tc.path, "bob", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.method+" "+tc.path)
	}

	w := do(t, h, http.MethodGet, "/api/sessions/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code, "still there for the owner")
}

func TestSessionHandler_UpdateTitle(t *testing.T) {
	h, _ := newSessionRouter(t)
	created := createSession(t, h, "alice", "1706.03762")

	w := do(t, h, http.MethodPatch, "/api/sessions/"+created.ID, "alice", map[string]interface{}{"title": "  Transformers  "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary types.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.NotNil(t, summary.Title)
	assert.Equal(t, "Transformers", *summary.Title)

	w = do(t, h, http.MethodPatch, "/api/sessions/"+created.ID, "alice", map[string]interface{}{"title": nil})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Nil(t, summary.Title)
}

func TestSessionHandler_RefreshRebuilds(t *testing.T) {
	h, graphs := newSessionRouter(t)
	created := createSession(t, h, "alice", "1706.03762")

	w := do(t, h, http.MethodPost, "/api/sessions/"+created.ID+"/refresh", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, graphs.buildCount())
}

func TestSessionHandler_Delete(t *testing.T) {
	h, _ := newSessionRouter(t)
	created := createSession(t, h, "alice", "1706.03762")

	w := do(t, h, http.MethodDelete, "/api/sessions/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/api/sessions/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodDelete, "/api/sessions/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
