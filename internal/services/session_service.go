// Package services holds the application services that sit between the HTTP
// handlers and the engine/storage layers.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/arxiv"
	"github.com/scrypster/citegraph/internal/engine"
	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

// MaxTitleLength caps session titles, in characters.
const MaxTitleLength = 200

// GraphSource builds citation graphs. *engine.Service satisfies it.
type GraphSource interface {
	BuildGraph(ctx context.Context, seed types.PaperID, opts types.BuildOptions) (*types.Graph, error)
}

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	Link    string             // Seed arXiv link or identifier
	Title   *string            // Optional display title
	Options types.BuildOptions // Build bounds and traversal mode
}

// SessionService manages per-user graph sessions: it builds the graph for a
// new session, snapshots it into the session store and serves it back.
// When the store also implements storage.PaperIndex, every built graph's
// papers are indexed for SearchGraph.
type SessionService struct {
	graphs   GraphSource
	store    storage.SessionStore
	index    storage.PaperIndex
	embedder *engine.Scorer
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionService creates a new SessionService instance.
func NewSessionService(graphs GraphSource, store storage.SessionStore, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &SessionService{
		graphs:   graphs,
		store:    store,
		embedder: engine.NewScorer(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if index, ok := store.(storage.PaperIndex); ok {
		svc.index = index
	}
	return svc
}

// Create normalizes the seed, builds its graph and persists a new session.
func (s *SessionService) Create(ctx context.Context, userID string, req CreateSessionRequest) (*types.SessionDetail, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	seed, err := arxiv.Normalize(req.Link)
	if err != nil {
		return nil, err
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	opts := req.Options
	opts.Normalize()

	title, err := cleanTitle(req.Title)
	if err != nil {
		return nil, err
	}

	graph, err := s.graphs.BuildGraph(engine.WithOwner(ctx, userID), seed, opts)
	if err != nil {
		return nil, err
	}

	snapshot, err := storage.ToSnapshot(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}

	now := s.now()
	session := &types.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        title,
		SeedPaperID:  seed,
		Mode:         opts.Mode,
		Options:      opts,
		CreatedAt:    now,
		LastAccessed: now,
		Snapshot:     snapshot,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.indexGraph(ctx, graph)

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.String("seed", seed.String()),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Bool("partial", graph.Incomplete),
	)

	return &types.SessionDetail{
		SessionSummary: session.Summary(),
		Options:        opts,
		Graph:          graph,
	}, nil
}

// List returns the user's sessions, most recently accessed first.
func (s *SessionService) List(ctx context.Context, userID string, opts storage.ListOptions) ([]types.SessionSummary, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, userID, opts)
}

// Get returns a session with its stored graph and records the access.
func (s *SessionService) Get(ctx context.Context, userID, id string) (*types.SessionDetail, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	session, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	graph, err := storage.FromSnapshot(session.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	now := s.now()
	if err := s.store.Touch(ctx, userID, id, now); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, err
		}
		// A failed touch only affects list ordering.
		s.logger.Warn("failed to update session last_accessed",
			zap.String("session_id", id),
			zap.Error(err),
		)
	} else {
		session.LastAccessed = now
	}

	return &types.SessionDetail{
		SessionSummary: session.Summary(),
		Options:        session.Options,
		Graph:          graph,
	}, nil
}

// UpdateTitle sets the session title. A nil or blank title clears it.
func (s *SessionService) UpdateTitle(ctx context.Context, userID, id string, title *string) (*types.SessionSummary, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	cleaned, err := cleanTitle(title)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTitle(ctx, userID, id, cleaned); err != nil {
		return nil, err
	}

	session, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	summary := session.Summary()
	return &summary, nil
}

// Refresh rebuilds the session's graph with its stored options and replaces
// the snapshot. Partial graphs are never cached, so a refresh retries them.
func (s *SessionService) Refresh(ctx context.Context, userID, id string) (*types.SessionDetail, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	session, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	opts := session.Options
	opts.Mode = session.Mode
	opts.Normalize()

	graph, err := s.graphs.BuildGraph(engine.WithOwner(ctx, userID), session.SeedPaperID, opts)
	if err != nil {
		return nil, err
	}
	snapshot, err := storage.ToSnapshot(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}

	now := s.now()
	if err := s.store.UpdateSnapshot(ctx, userID, id, snapshot, now); err != nil {
		return nil, err
	}
	session.LastAccessed = now
	s.indexGraph(ctx, graph)

	return &types.SessionDetail{
		SessionSummary: session.Summary(),
		Options:        opts,
		Graph:          graph,
	}, nil
}

// Delete removes a session.
func (s *SessionService) Delete(ctx context.Context, userID, id string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", zap.String("session_id", id), zap.String("user_id", userID))
	return nil
}

// SearchGraph ranks papers from previously built graphs by similarity to the
// query. Without a paper index it returns no results.
func (s *SessionService) SearchGraph(ctx context.Context, query string, limit int) ([]types.PaperMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if limit < 0 || limit > storage.MaxSearchLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", storage.ErrInvalidInput, storage.MaxSearchLimit)
	}
	if s.index == nil {
		return []types.PaperMatch{}, nil
	}
	return s.index.SearchPapers(ctx, s.embedder.Embed(query), storage.NormalizeSearchLimit(limit))
}

// indexGraph upserts the graph's papers into the paper index. Failures are
// logged and do not fail the request.
func (s *SessionService) indexGraph(ctx context.Context, graph *types.Graph) {
	if s.index == nil || graph == nil || len(graph.Nodes) == 0 {
		return
	}
	papers := make([]types.IndexedPaper, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		papers = append(papers, types.NewIndexedPaper(n, s.embedder.EmbedNode(n)))
	}
	if err := s.index.UpsertPapers(ctx, papers); err != nil {
		s.logger.Warn("failed to index graph papers",
			zap.String("seed", graph.SeedID.String()),
			zap.Int("papers", len(papers)),
			zap.Error(err),
		)
	}
}

func requireUser(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	return nil
}

// cleanTitle trims the title and maps blank to nil.
func cleanTitle(title *string) (*string, error) {
	if title == nil {
		return nil, nil
	}
	t := strings.TrimSpace(*title)
	if t == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(t) > MaxTitleLength {
		return nil, fmt.Errorf("%w: title exceeds %d characters", storage.ErrInvalidInput, MaxTitleLength)
	}
	return &t, nil
}
