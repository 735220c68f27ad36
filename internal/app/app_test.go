package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/pkg/types"
)

func TestOpenSessionStore_None(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Engine = config.EngineNone

	store, err := OpenSessionStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestOpenSessionStore_SQLiteCreatesDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataPath = filepath.Join(t.TempDir(), "nested", "data")

	store, err := OpenSessionStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })

	assert.FileExists(t, cfg.SQLitePath())
}

func TestOpenSessionStore_UnknownEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Engine = "mongodb"

	_, err := OpenSessionStore(cfg)
	assert.Error(t, err)
}

func TestNewComponents_CacheToggle(t *testing.T) {
	cfg := config.Default()
	c := NewComponents(cfg, nil, nil)
	require.NotNil(t, c.Cache)
	_, ok := c.Engine.CacheStats()
	assert.True(t, ok)
	require.NoError(t, c.Close())

	cfg.Graph.CacheEnabled = false
	c = NewComponents(cfg, nil, nil)
	assert.Nil(t, c.Cache)
	_, ok = c.Engine.CacheStats()
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}

func TestNewComponents_UsesConfiguredUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.Source.ArxivURL = upstream.URL
	cfg.Source.ScholarURL = upstream.URL
	cfg.Source.MaxRetries = -1
	cfg.Source.RequestsPerSecond = 100
	c := NewComponents(cfg, nil, nil)
	defer c.Close()

	_, err := c.Engine.Paper(context.Background(), "1706.03762")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrInvalidIdentifier)

	states := c.Client.BreakerStates()
	assert.Contains(t, states, "arxiv")
	assert.Contains(t, states, "semantic_scholar")
}
