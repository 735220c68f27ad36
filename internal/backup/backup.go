// Package backup takes verified point-in-time copies of the sqlite session
// database and prunes old copies.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	filePrefix = "sessions-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000"

	// DefaultKeep is how many backups Run retains when Config.Keep is zero.
	DefaultKeep = 10
)

// Config describes one backup run.
type Config struct {
	DBPath string // Live sqlite database
	Dir    string // Backup directory, created if missing
	Keep   int    // Newest backups to retain (default: DefaultKeep)
}

// Info describes a backup file.
type Info struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Result is the outcome of a successful Run.
type Result struct {
	Path     string
	Size     int64
	Duration time.Duration
	Pruned   []string
}

// Run copies the database with VACUUM INTO, checks the copy's integrity and
// removes all but the newest cfg.Keep backups. A copy that fails the check
// is deleted.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DBPath == "" {
		return nil, errors.New("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: backup directory is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("backup: database not found: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
	}

	start := time.Now()
	dest := filepath.Join(cfg.Dir, filePrefix+start.UTC().Format(timeLayout)+fileSuffix)

	if err := vacuumInto(ctx, cfg.DBPath, dest); err != nil {
		return nil, err
	}
	if err := Verify(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return nil, err
	}

	stat, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	pruned, err := prune(cfg.Dir, cfg.Keep)
	if err != nil {
		logger.Warn("failed to prune old backups", zap.Error(err))
	}

	result := &Result{
		Path:     dest,
		Size:     stat.Size(),
		Duration: time.Since(start),
		Pruned:   pruned,
	}
	logger.Info("session database backed up",
		zap.String("path", result.Path),
		zap.Int64("bytes", result.Size),
		zap.Duration("duration", result.Duration),
		zap.Int("pruned", len(pruned)),
	)
	return result, nil
}

// vacuumInto writes a consistent copy of a WAL-mode database.
func vacuumInto(ctx context.Context, sourcePath, destPath string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("backup: failed to open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("backup: failed to open source database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backup: vacuum into %s: %w", destPath, err)
	}
	return nil
}

// Verify runs SQLite's integrity check against a backup file.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: failed to open %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check of %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check of %s failed: %s", path, result)
	}
	return nil
}

// List returns the backups in dir, newest first. Files that do not follow
// the backup naming scheme are ignored.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, name),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

func prune(dir string, keep int) ([]string, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, b := range backups[keep:] {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, b.Path)
	}
	return removed, errors.Join(errs...)
}
