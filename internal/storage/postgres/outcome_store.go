// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"

	"github.com/JakeFAU/crawl-swarm/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_outcomes"

// Config controls the Postgres connection pool used for outcome rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// OutcomeStore writes crawl outcomes into Postgres.
type OutcomeStore struct {
	pool  pool
	table string
}

// NewOutcomeStore connects to Postgres using cfg.
func NewOutcomeStore(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("archive.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OutcomeStore{pool: p, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(p pool, table string) (*OutcomeStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the outcome table when missing.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	target_id TEXT NOT NULL,
	url TEXT NOT NULL,
	target_type TEXT NOT NULL,
	priority INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	worker_id TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	items_found INTEGER NOT NULL,
	deployed_count INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create outcome table: %w", err)
	}
	return nil
}

// SaveOutcomes inserts records in a single transaction.
func (s *OutcomeStore) SaveOutcomes(ctx context.Context, records []store.OutcomeRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreClosed(tx.Rollback(ctx)))
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	target_id,
	url,
	target_type,
	priority,
	depth,
	worker_id,
	success,
	items_found,
	deployed_count,
	attempts,
	duration_ms,
	error_kind,
	error_message,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)
	for _, rec := range records {
		if _, err = tx.Exec(ctx, query,
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
			rec.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", rec.TargetID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcomes: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit records, newest first.
func (s *OutcomeStore) RecentOutcomes(ctx context.Context, limit int) ([]store.OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT target_id, url, target_type, priority, depth, worker_id, success,
	items_found, deployed_count, attempts, duration_ms, error_kind, error_message, completed_at
FROM %s
ORDER BY completed_at DESC, id DESC
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.OutcomeRecord
	for rows.Next() {
		var rec store.OutcomeRecord
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
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
