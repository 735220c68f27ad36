package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

var _ storage.PaperIndex = (*SessionStore)(nil)

// UpsertPapers stores papers in one transaction. Known papers keep their
// created_at and get every other column refreshed.
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
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_papers (
			arxiv_id, title, summary, url, authors, published, embedding, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(arxiv_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			url = excluded.url,
			authors = excluded.authors,
			published = excluded.published,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare paper upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range papers {
		authors, err := json.Marshal(nonNilAuthors(p.Authors))
		if err != nil {
			return fmt.Errorf("failed to encode authors of %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(p.ID), p.Title, p.Summary, p.URL, string(authors),
			nullableTime(p.Published), storage.EncodeVector(p.Embedding), now, now,
		); err != nil {
			return fmt.Errorf("failed to upsert paper %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit papers: %w", err)
	}
	return nil
}

// SearchPapers ranks every stored paper against query in process.
func (s *SessionStore) SearchPapers(ctx context.Context, query []float32, limit int) ([]types.PaperMatch, error) {
	if storage.IsZeroVector(query) {
		return []types.PaperMatch{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT arxiv_id, title, summary, url, authors, published, embedding
		FROM graph_papers`)
	if err != nil {
		return nil, fmt.Errorf("failed to query papers: %w", err)
	}
	defer rows.Close()

	var papers []types.IndexedPaper
	for rows.Next() {
		var (
			p         types.IndexedPaper
			id        string
			authors   string
			published sql.NullTime
			blob      []byte
		)
		if err := rows.Scan(&id, &p.Title, &p.Summary, &p.URL, &authors, &published, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		p.ID = types.PaperID(id)
		if err := json.Unmarshal([]byte(authors), &p.Authors); err != nil {
			return nil, fmt.Errorf("failed to decode authors of %s: %w", id, err)
		}
		if published.Valid {
			t := published.Time.UTC()
			p.Published = &t
		}
		if p.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("paper %s: %w", id, err)
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate papers: %w", err)
	}

	return storage.RankByCosine(papers, query, limit), nil
}

func nonNilAuthors(authors []string) []string {
	if authors == nil {
		return []string{}
	}
	return authors
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
