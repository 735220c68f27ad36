package handlers

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/pkg/types"
)

func TestToPaperResponse(t *testing.T) {
	published := time.Date(2017, 6, 12, 0, 0, 0, 0, time.UTC)
	resp := ToPaperResponse(&types.PaperRecord{
		ID:        "1706.03762",
		Title:     "Attention Is All You Need",
		Authors:   []string{"Ashish Vaswani", "Noam Shazeer"},
		Abstract:  "The dominant sequence transduction models",
		Published: &published,
		References: []types.Reference{
			{Title: "Neural Machine Translation", ArxivID: "1409.0473", URL: "https://arxiv.org/abs/1409.0473"},
			{Title: "Long Short-Term Memory", DOIURL: "https://doi.org/10.1162/neco.1997.9.8.1735"},
			{Title: "Only indexed", SemanticScholarURL: "https://www.semanticscholar.org/paper/abc"},
		},
	})

	assert.Equal(t, "https://arxiv.org/abs/1706.03762", resp.URL, "URL falls back to the abs page")
	assert.Equal(t, "The dominant sequence transduction models", resp.Summary)
	require.Len(t, resp.References, 3)
	assert.Equal(t, "https://arxiv.org/abs/1409.0473", resp.References[0].URL)
	assert.Equal(t, types.PaperID("1409.0473"), resp.References[0].ArxivID)
	assert.Equal(t, "https://doi.org/10.1162/neco.1997.9.8.1735", resp.References[1].URL)
	assert.Equal(t, "https://www.semanticscholar.org/paper/abc", resp.References[2].URL)
	assert.Nil(t, resp.Citations)
}

func TestToPaperResponse_EmptyLists(t *testing.T) {
	resp := ToPaperResponse(&types.PaperRecord{ID: "1706.03762", ReferencesError: "Failed to fetch references."})

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, `"authors":[]`)
	assert.Contains(t, body, `"references":[]`)
	assert.Contains(t, body, `"references_error":"Failed to fetch references."`)
	assert.False(t, strings.Contains(body, `"citations"`))
}

func TestErrorResponse_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(&ErrorResponse{
		Error:   "Not Found",
		Code:    "SESSION_NOT_FOUND",
		Details: map[string]interface{}{"id": "s1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Not Found","code":"SESSION_NOT_FOUND","details":{"id":"s1"}}`, string(data))
}
