// Package postgres inserts structured records into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/collectord/internal/collector"
)

const defaultTable = "records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes one row per record. Replays of the same item in the same run
// are ignored.
type Sink struct {
	pool  execCloser
	table string
}

// New connects and creates the table when missing.
func New(ctx context.Context, dsn, table string) (*Sink, error) {
	if dsn == "" {
		return nil, errors.New("sink.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool execCloser, table string) (*Sink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table}, nil
}

// EnsureSchema creates the records table.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collector_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	url TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	structured_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collector_id, run_id, item_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Accept inserts record.
func (s *Sink) Accept(ctx context.Context, record collector.Record) error {
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	collector_id, run_id, item_id, url, content_type, content_hash,
	title, body, pages, metadata, structured_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (collector_id, run_id, item_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		record.CollectorID,
		record.RunID,
		record.ItemID,
		record.URL,
		record.ContentType,
		record.ContentHash,
		record.Title,
		record.Text,
		record.Pages,
		metaJSON,
		record.StructuredAt,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}
