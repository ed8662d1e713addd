// Package sqlite archives crawl outcomes in a local SQLite file using the
// CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/crawl-swarm/internal/store"
)

// timeLayout is fixed width so completed_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config selects the database file.
type Config struct {
	// Path is the database file; parent directories are created.
	Path string
	// DisableWAL turns off write-ahead logging.
	DisableWAL bool
}

// OutcomeStore writes outcome rows to SQLite.
type OutcomeStore struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at cfg.Path and ensures the schema.
func Open(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("archive.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &OutcomeStore{db: db, path: cfg.Path}
	if !cfg.DisableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, multierr.Append(fmt.Errorf("enable WAL mode: %w", err), db.Close())
		}
	}
	if err := s.createTables(ctx); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return s, nil
}

func (s *OutcomeStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT NOT NULL,
		url TEXT NOT NULL,
		target_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		depth INTEGER NOT NULL,
		worker_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		items_found INTEGER NOT NULL,
		deployed_count INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_target ON outcomes(target_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_completed ON outcomes(completed_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SaveOutcomes inserts records in one transaction.
func (s *OutcomeStore) SaveOutcomes(ctx context.Context, records []store.OutcomeRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = multierr.Append(err, rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO outcomes (
		target_id, url, target_type, priority, depth, worker_id, success,
		items_found, deployed_count, attempts, duration_ms, error_kind, error_message, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer func() { err = multierr.Append(err, stmt.Close()) }()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx,
			rec.TargetID,
			rec.URL,
			rec.TargetType,
			rec.Priority,
			rec.Depth,
			rec.WorkerID,
			rec.Success,
			rec.ItemsFound,
			rec.DeployedCount,
			rec.Attempts,
			rec.DurationMs,
			rec.ErrorKind,
			rec.ErrorMessage,
			rec.CompletedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", rec.TargetID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit outcomes: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit records, newest first.
func (s *OutcomeStore) RecentOutcomes(ctx context.Context, limit int) ([]store.OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT target_id, url, target_type, priority, depth, worker_id, success,
		items_found, deployed_count, attempts, duration_ms, error_kind, error_message, completed_at
	FROM outcomes
	ORDER BY completed_at DESC, id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.OutcomeRecord
	for rows.Next() {
		var (
			rec         store.OutcomeRecord
			completedAt string
		)
		if err := rows.Scan(
			&rec.TargetID,
			&rec.URL,
			&rec.TargetType,
			&rec.Priority,
			&rec.Depth,
			&rec.WorkerID,
			&rec.Success,
			&rec.ItemsFound,
			&rec.DeployedCount,
			&rec.Attempts,
			&rec.DurationMs,
			&rec.ErrorKind,
			&rec.ErrorMessage,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		rec.CompletedAt, err = time.Parse(timeLayout, completedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedAt, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return out, nil
}

// Count returns the number of archived outcomes.
func (s *OutcomeStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outcomes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// Path returns the database file location.
func (s *OutcomeStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *OutcomeStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
