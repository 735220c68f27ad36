package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

var _ storage.PaperIndex = (*SessionStore)(nil)

// migrationPgvector adds the vector column and its cosine index to
// graph_papers. It is only applied when the vector extension is available;
// safe to run repeatedly.
var migrationPgvector = fmt.Sprintf(`
ALTER TABLE graph_papers ADD COLUMN IF NOT EXISTS embedding_vec vector(%d);
CREATE INDEX IF NOT EXISTS idx_graph_papers_vec_cosine
    ON graph_papers USING hnsw (embedding_vec vector_cosine_ops);
`, types.EmbeddingDimension)

// enablePgvector installs the vector extension and column. Servers without
// pgvector fall back to ranking the stored BYTEA embeddings in process.
func enablePgvector(db *sql.DB) bool {
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		zap.L().Warn("postgres: pgvector extension not available, ranking graph papers in process", zap.Error(err))
		return false
	}
	if _, err := db.Exec(migrationPgvector); err != nil {
		zap.L().Warn("postgres: failed to apply pgvector migration, ranking graph papers in process", zap.Error(err))
		return false
	}
	return true
}

// UpsertPapers stores papers in one transaction. The embedding is always
// kept as BYTEA; with pgvector it is mirrored into embedding_vec.
func (s *SessionStore) UpsertPapers(ctx context.Context, papers []types.IndexedPaper) error {
	if len(papers) == 0 {
		return nil
	}
	for i := range papers {
		if err := storage.ValidateIndexedPaper(&papers[i]); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO graph_papers (
			arxiv_id, title, summary, url, authors, published, embedding, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (arxiv_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			url = excluded.url,
			authors = excluded.authors,
			published = excluded.published,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`
	if s.pgvectorAvailable {
		query = `
		INSERT INTO graph_papers (
			arxiv_id, title, summary, url, authors, published, embedding, created_at, updated_at, embedding_vec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
		ON CONFLICT (arxiv_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			url = excluded.url,
			authors = excluded.authors,
			published = excluded.published,
			embedding = excluded.embedding,
			embedding_vec = excluded.embedding_vec,
			updated_at = excluded.updated_at`
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres: failed to prepare paper upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range papers {
		authors := p.Authors
		if authors == nil {
			authors = []string{}
		}
		args := []any{
			string(p.ID), p.Title, p.Summary, p.URL, pq.Array(authors),
			nullableTime(p.Published), storage.EncodeVector(p.Embedding), now,
		}
		if s.pgvectorAvailable {
			// Cosine distance to a zero vector is undefined.
			var vec any
			if !storage.IsZeroVector(p.Embedding) {
				vec = pgvector.NewVector(p.Embedding)
			}
			args = append(args, vec)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("postgres: failed to upsert paper %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit papers: %w", err)
	}
	return nil
}

// SearchPapers uses pgvector cosine distance when available and ranks the
// BYTEA embeddings in process otherwise.
func (s *SessionStore) SearchPapers(ctx context.Context, query []float32, limit int) ([]types.PaperMatch, error) {
	if storage.IsZeroVector(query) {
		return []types.PaperMatch{}, nil
	}
	limit = storage.NormalizeSearchLimit(limit)

	if !s.pgvectorAvailable {
		return s.rankInProcess(ctx, query, limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT arxiv_id, title, summary, url, authors, published,
		       1 - (embedding_vec <=> $1) AS score
		FROM graph_papers
		WHERE embedding_vec IS NOT NULL AND (embedding_vec <=> $1) < 1
		ORDER BY embedding_vec <=> $1, arxiv_id
		LIMIT $2`,
		pgvector.NewVector(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to search papers: %w", err)
	}
	defer rows.Close()

	matches := []types.PaperMatch{}
	for rows.Next() {
		var m types.PaperMatch
		if err := scanPaper(rows, &m.IndexedPaper, &m.Score); err != nil {
			return nil, err
		}
		m.Score = math.Round(math.Max(0, math.Min(1, m.Score))*1e4) / 1e4
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate papers: %w", err)
	}
	return matches, nil
}

func (s *SessionStore) rankInProcess(ctx context.Context, query []float32, limit int) ([]types.PaperMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT arxiv_id, title, summary, url, authors, published, embedding
		FROM graph_papers`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query papers: %w", err)
	}
	defer rows.Close()

	var papers []types.IndexedPaper
	for rows.Next() {
		var (
			p    types.IndexedPaper
			blob []byte
		)
		if err := scanPaper(rows, &p, &blob); err != nil {
			return nil, err
		}
		if p.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("postgres: paper %s: %w", p.ID, err)
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate papers: %w", err)
	}
	return storage.RankByCosine(papers, query, limit), nil
}

// scanPaper scans the common graph_papers columns followed by extra.
func scanPaper(rows *sql.Rows, p *types.IndexedPaper, extra any) error {
	var (
		id        string
		authors   pq.StringArray
		published sql.NullTime
	)
	if err := rows.Scan(&id, &p.Title, &p.Summary, &p.URL, &authors, &published, extra); err != nil {
		return fmt.Errorf("postgres: failed to scan paper: %w", err)
	}
	p.ID = types.PaperID(id)
	p.Authors = []string(authors)
	if p.Authors == nil {
		p.Authors = []string{}
	}
	if published.Valid {
		t := published.Time.UTC()
		p.Published = &t
	}
	return nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
