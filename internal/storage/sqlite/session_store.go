// Package sqlite provides the SQLite implementation of storage.SessionStore.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SessionStore implements storage.SessionStore using SQLite.
type SessionStore struct {
	db *sql.DB
}

var _ storage.SessionStore = (*SessionStore)(nil)

// NewSessionStore opens the database and applies pending migrations.
// If the initial open fails due to stale WAL files (left behind by a crashed
// process), it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func NewSessionStore(dsn string) (*SessionStore, error) {
	store, err := openSessionStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openSessionStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	zap.L().Info("sqlite: recovered from stale WAL files", zap.String("path", dbPath))
	return store, nil
}

func openSessionStore(dsn string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	mgr, err := storage.NewMigrationManager(db, files, storage.DialectSQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if _, err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return &SessionStore{db: db}, nil
}

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, session *types.Session) error {
	if err := storage.ValidateSession(session); err != nil {
		return err
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastAccessed.IsZero() {
		session.LastAccessed = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, title, seed_paper_id, mode,
			max_depth, max_nodes, snapshot, created_at, last_accessed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, nullableTitle(session.Title), string(session.SeedPaperID), string(session.Mode),
		session.Options.MaxDepth, session.Options.MaxNodes, session.Snapshot,
		session.CreatedAt.UTC(), session.LastAccessed.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: session %s already exists", storage.ErrInvalidInput, session.ID)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// List returns the user's sessions, most recently accessed first.
func (s *SessionStore) List(ctx context.Context, userID string, opts storage.ListOptions) ([]types.SessionSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, seed_paper_id, mode, created_at, last_accessed
		FROM sessions
		WHERE user_id = ?
		ORDER BY last_accessed DESC, id ASC
		LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []types.SessionSummary{}
	for rows.Next() {
		var (
			sum   types.SessionSummary
			title sql.NullString
			seed  string
			mode  string
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &title, &seed, &mode, &sum.CreatedAt, &sum.LastAccessed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Title = titleFromNull(title)
		sum.SeedPaperID = types.PaperID(seed)
		sum.Mode = types.TraversalMode(mode)
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.LastAccessed = sum.LastAccessed.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return summaries, nil
}

// Get returns a session with its snapshot.
func (s *SessionStore) Get(ctx context.Context, userID, id string) (*types.Session, error) {
	var (
		session types.Session
		title   sql.NullString
		seed    string
		mode    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, seed_paper_id, mode, max_depth, max_nodes,
		       snapshot, created_at, last_accessed
		FROM sessions
		WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(
		&session.ID, &session.UserID, &title, &seed, &mode,
		&session.Options.MaxDepth, &session.Options.MaxNodes,
		&session.Snapshot, &session.CreatedAt, &session.LastAccessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.Title = titleFromNull(title)
	session.SeedPaperID = types.PaperID(seed)
	session.Mode = types.TraversalMode(mode)
	session.Options.Mode = session.Mode
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastAccessed = session.LastAccessed.UTC()
	return &session, nil
}

// Touch records an access.
func (s *SessionStore) Touch(ctx context.Context, userID, id string, at time.Time) error {
	return s.exec(ctx, "touch session",
		"UPDATE sessions SET last_accessed = ? WHERE id = ? AND user_id = ?",
		at.UTC(), id, userID)
}

// UpdateTitle sets the title; nil clears it.
func (s *SessionStore) UpdateTitle(ctx context.Context, userID, id string, title *string) error {
	return s.exec(ctx, "update session title",
		"UPDATE sessions SET title = ? WHERE id = ? AND user_id = ?",
		nullableTitle(title), id, userID)
}

// UpdateSnapshot replaces the stored graph and records an access.
func (s *SessionStore) UpdateSnapshot(ctx context.Context, userID, id string, snapshot []byte, at time.Time) error {
	if len(snapshot) == 0 {
		return fmt.Errorf("%w: snapshot is required", storage.ErrInvalidInput)
	}
	return s.exec(ctx, "update session snapshot",
		"UPDATE sessions SET snapshot = ?, last_accessed = ? WHERE id = ? AND user_id = ?",
		snapshot, at.UTC(), id, userID)
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, userID, id string) error {
	return s.exec(ctx, "delete session",
		"DELETE FROM sessions WHERE id = ? AND user_id = ?",
		id, userID)
}

// exec runs an owner-scoped statement and maps "no rows" to ErrSessionNotFound.
func (s *SessionStore) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so that the next
// process can open the database without encountering stale WAL state.
func (s *SessionStore) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		zap.L().Warn("sqlite: WAL checkpoint on close failed", zap.Error(err))
	}

	return s.db.Close()
}

func nullableTitle(title *string) sql.NullString {
	if title == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *title, Valid: true}
}

func titleFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	t := ns.String
	return &t
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// and no other process holds them open (via lsof). Returns false if lsof is
// unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("sqlite: failed to remove stale WAL file", zap.String("path", path), zap.Error(err))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
