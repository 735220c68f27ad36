// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the sessions and graph_papers
// tables. It lives in the postgres package so it can reach the unexported db
// field, and is exported so that the postgres_test package can call it.
func (s *SessionStore) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE sessions, graph_papers"); err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
