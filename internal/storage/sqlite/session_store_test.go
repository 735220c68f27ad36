package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. The single
// open connection keeps the in-memory database alive for the store's lifetime.
func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(":memory:")
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(id, userID string, accessed time.Time) *types.Session {
	return &types.Session{
		ID:           id,
		UserID:       userID,
		SeedPaperID:  "1706.03762",
		Mode:         types.ModeReferences,
		Options:      types.BuildOptions{MaxDepth: 2, MaxNodes: 40, Mode: types.ModeReferences},
		CreatedAt:    accessed,
		LastAccessed: accessed,
		Snapshot:     []byte(`{"version":1}`),
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	title := "Transformers"
	s := newTestSession("s1", "alice", now)
	s.Title = &title

	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "alice", got.UserID)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Transformers", *got.Title)
	assert.Equal(t, types.PaperID("1706.03762"), got.SeedPaperID)
	assert.Equal(t, types.ModeReferences, got.Mode)
	assert.Equal(t, types.BuildOptions{MaxDepth: 2, MaxNodes: 40, Mode: types.ModeReferences}, got.Options)
	assert.True(t, got.CreatedAt.Equal(now), "created_at: got %v want %v", got.CreatedAt, now)
	assert.True(t, got.LastAccessed.Equal(now))
	assert.Equal(t, []byte(`{"version":1}`), got.Snapshot)
}

func TestSessionStore_CreateDefaultsTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := newTestSession("s1", "alice", time.Time{})
	require.NoError(t, store.Create(ctx, s))
	assert.False(t, s.CreatedAt.IsZero())
	assert.Equal(t, s.CreatedAt, s.LastAccessed)
}

func TestSessionStore_CreateValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*types.Session)
	}{
		{name: "missing id", mutate: func(s *types.Session) { s.ID = "" }},
		{name: "missing user", mutate: func(s *types.Session) { s.UserID = "" }},
		{name: "missing seed", mutate: func(s *types.Session) { s.SeedPaperID = "" }},
		{name: "bad mode", mutate: func(s *types.Session) { s.Mode = "sideways" }},
		{name: "missing snapshot", mutate: func(s *types.Session) { s.Snapshot = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession("s1", "alice", now)
			tt.mutate(s)
			assert.ErrorIs(t, store.Create(ctx, s), storage.ErrInvalidInput)
		})
	}

	assert.ErrorIs(t, store.Create(ctx, nil), storage.ErrInvalidInput)
}

func TestSessionStore_CreateDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", time.Now())))
	err := store.Create(ctx, newTestSession("s1", "bob", time.Now()))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSessionStore_OwnerScoping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", now)))

	_, err := store.Get(ctx, "bob", "s1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	assert.ErrorIs(t, store.Touch(ctx, "bob", "s1", now), storage.ErrSessionNotFound)
	title := "mine now"
	assert.ErrorIs(t, store.UpdateTitle(ctx, "bob", "s1", &title), storage.ErrSessionNotFound)
	assert.ErrorIs(t, store.UpdateSnapshot(ctx, "bob", "s1", []byte("x"), now), storage.ErrSessionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "bob", "s1"), storage.ErrSessionNotFound)

	bobs, err := store.List(ctx, "bob", storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, bobs)

	// Alice's session is untouched.
	got, err := store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestSessionStore_ListOrderAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s := newTestSession(fmt.Sprintf("s%d", i), "alice", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, s))
	}
	require.NoError(t, store.Create(ctx, newTestSession("other", "bob", base)))

	all, err := store.List(ctx, "alice", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, []string{"s4", "s3", "s2", "s1", "s0"}, summaryIDs(all))

	// Touching the oldest moves it to the front.
	require.NoError(t, store.Touch(ctx, "alice", "s0", base.Add(time.Hour)))
	all, err = store.List(ctx, "alice", storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "s0", all[0].ID)

	page, err := store.List(ctx, "alice", storage.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"s4", "s3"}, summaryIDs(page))
}

func TestSessionStore_UpdateTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", time.Now())))

	title := "Renamed"
	require.NoError(t, store.UpdateTitle(ctx, "alice", "s1", &title))
	got, err := store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Renamed", *got.Title)

	require.NoError(t, store.UpdateTitle(ctx, "alice", "s1", nil))
	got, err = store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestSessionStore_UpdateSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", created)))

	later := created.Add(24 * time.Hour)
	require.NoError(t, store.UpdateSnapshot(ctx, "alice", "s1", []byte(`{"version":1,"graph":{}}`), later))

	got, err := store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1,"graph":{}}`), got.Snapshot)
	assert.True(t, got.LastAccessed.Equal(later))
	assert.True(t, got.CreatedAt.Equal(created))

	assert.ErrorIs(t, store.UpdateSnapshot(ctx, "alice", "s1", nil, later), storage.ErrInvalidInput)
}

func TestSessionStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", time.Now())))

	require.NoError(t, store.Delete(ctx, "alice", "s1"))
	_, err := store.Get(ctx, "alice", "s1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "alice", "s1"), storage.ErrSessionNotFound)
}

func TestSessionStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citegraph.db")
	ctx := context.Background()

	store, err := NewSessionStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newTestSession("s1", "alice", time.Now())))
	require.NoError(t, store.Close())

	// Reopening re-runs migrations, which must be a no-op.
	store, err = NewSessionStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestDBPathFromDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ""},
		{"", ""},
		{"/var/lib/citegraph.db", "/var/lib/citegraph.db"},
		{"file:/var/lib/citegraph.db?mode=rwc", "/var/lib/citegraph.db"},
		{"file::memory:?cache=shared", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dbPathFromDSN(tt.dsn), tt.dsn)
	}
}

func summaryIDs(summaries []types.SessionSummary) []string {
	ids := make([]string, len(summaries))
	for i, s := range summaries {
		ids[i] = s.ID
	}
	return ids
}
