package types

import "time"

// Session is a persisted, named graph build owned by a user.
// Sessions are created when a user submits a seed, touched on every read and
// only removed by an explicit delete.
type Session struct {
	ID           string        `json:"id"`            // uuid
	UserID       string        `json:"user_id"`       // Verified identity of the owner
	Title        *string       `json:"title"`         // Optional display title
	SeedPaperID  PaperID       `json:"seed_paper_id"` // Canonical seed identifier
	Mode         TraversalMode `json:"mode"`
	Options      BuildOptions  `json:"options"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`

	// Snapshot is the serialized graph (see storage.ToSnapshot).
	Snapshot []byte `json:"-"`
}

// Summary strips the snapshot payload.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		UserID:       s.UserID,
		Title:        s.Title,
		SeedPaperID:  s.SeedPaperID,
		Mode:         s.Mode,
		CreatedAt:    s.CreatedAt,
		LastAccessed: s.LastAccessed,
	}
}

// SessionSummary is the listing form of a session.
type SessionSummary struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Title        *string       `json:"title"`
	SeedPaperID  PaperID       `json:"seed_paper_id"`
	Mode         TraversalMode `json:"mode"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// SessionDetail is a session with its decoded graph.
type SessionDetail struct {
	SessionSummary
	Options BuildOptions `json:"options"`
	Graph   *Graph       `json:"graph"`
}
