package storage

import (
	"context"
	"time"

	"github.com/scrypster/citegraph/pkg/types"
)

// SessionStore persists sessions. Every operation that addresses an existing
// session is scoped to its owner: a session owned by another user behaves as
// if it did not exist (ErrSessionNotFound).
type SessionStore interface {
	// Create stores a new session. ID, UserID, SeedPaperID and Snapshot are required.
	Create(ctx context.Context, session *types.Session) error

	// List returns the user's sessions ordered by LastAccessed, most recent first.
	List(ctx context.Context, userID string, opts ListOptions) ([]types.SessionSummary, error)

	// Get returns a session including its snapshot.
	Get(ctx context.Context, userID, id string) (*types.Session, error)

	// Touch sets LastAccessed.
	Touch(ctx context.Context, userID, id string, at time.Time) error

	// UpdateTitle sets or clears (nil) the title.
	UpdateTitle(ctx context.Context, userID, id string, title *string) error

	// UpdateSnapshot replaces the stored graph after a rebuild.
	UpdateSnapshot(ctx context.Context, userID, id string, snapshot []byte, at time.Time) error

	// Delete removes a session.
	Delete(ctx context.Context, userID, id string) error

	// Close releases the underlying database.
	Close() error
}

// PaperIndex persists the papers of built graphs, keyed by arXiv ID, and
// searches them by term-vector similarity. Both session backends implement it.
type PaperIndex interface {
	// UpsertPapers inserts papers or refreshes the stored copy of known ones.
	UpsertPapers(ctx context.Context, papers []types.IndexedPaper) error

	// SearchPapers returns up to limit papers ordered by cosine similarity to
	// query, most similar first. Papers with no similarity are omitted.
	SearchPapers(ctx context.Context, query []float32, limit int) ([]types.PaperMatch, error)
}
