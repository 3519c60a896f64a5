// Package postgres persists analysis results in Postgres so the result cache
// survives restarts and is shared between replicas.
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

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ResultStore implements analyzer.ResultStore.
type ResultStore struct {
	pool  pool
	table string
}

// NewResultStore connects a pool using cfg.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	s, err := NewResultStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(p pool, table string) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "analysis_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: p, table: table}, nil
}

// EnsureSchema creates the results table when missing.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	content_hash    TEXT PRIMARY KEY,
	total_pages     INTEGER NOT NULL,
	color_pages     INTEGER NOT NULL,
	mono_pages      INTEGER NOT NULL,
	analysis_method TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// GetResult loads the result for hash.
func (s *ResultStore) GetResult(ctx context.Context, hash string) (analyzer.Result, bool, error) {
	query := fmt.Sprintf(`
SELECT content_hash, total_pages, color_pages, mono_pages, analysis_method, created_at
FROM %s WHERE content_hash = $1`, s.table)

	var r analyzer.Result
	err := s.pool.QueryRow(ctx, query, hash).Scan(
		&r.ContentHash,
		&r.TotalPages,
		&r.ColorPages,
		&r.MonoPages,
		&r.AnalysisMethod,
		&r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analyzer.Result{}, false, nil
	}
	if err != nil {
		return analyzer.Result{}, false, fmt.Errorf("select result: %w", err)
	}
	return r, true, nil
}

// PutResult inserts r. The first row for a hash wins.
func (s *ResultStore) PutResult(ctx context.Context, r analyzer.Result) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to store result: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	content_hash,
	total_pages,
	color_pages,
	mono_pages,
	analysis_method,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (content_hash) DO NOTHING`, s.table)

	args := []any{
		r.ContentHash,
		r.TotalPages,
		r.ColorPages,
		r.MonoPages,
		r.AnalysisMethod,
		r.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *ResultStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
