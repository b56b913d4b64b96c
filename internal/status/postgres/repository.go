// Package postgres stores run events in Postgres.
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

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/status"
)

const defaultTable = "run_events"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Repository implements status.Repository.
type Repository struct {
	pool  querier
	table string
}

// New connects to Postgres and creates the events table when missing.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, errors.New("status.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool querier, table string) (*Repository, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Repository{pool: pool, table: table}, nil
}

// EnsureSchema creates the table and its time index.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collector_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collector_id, seq)
)`, r.table)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", r.table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (collector_id, ts)`, r.table, r.table)
	if _, err := r.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create %s index: %w", r.table, err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Append inserts one event.
func (r *Repository) Append(ctx context.Context, ev status.Event) error {
	query := fmt.Sprintf(`
INSERT INTO %s (collector_id, seq, run_id, status, message, ts)
VALUES ($1,$2,$3,$4,$5,$6)`, r.table)
	if _, err := r.pool.Exec(ctx, query,
		ev.CollectorID, ev.Seq, ev.RunID, string(ev.Status), ev.Message, ev.Timestamp,
	); err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// Last returns the highest-seq event.
func (r *Repository) Last(ctx context.Context, collectorID string) (status.Event, error) {
	query := fmt.Sprintf(`
SELECT collector_id, seq, run_id, status, message, ts
FROM %s
WHERE collector_id = $1
ORDER BY seq DESC
LIMIT 1`, r.table)
	ev, err := scanEvent(r.pool.QueryRow(ctx, query, collectorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return status.Event{}, status.ErrNotFound
	}
	if err != nil {
		return status.Event{}, fmt.Errorf("select last run event: %w", err)
	}
	return ev, nil
}

// Range returns events in [from, to) by seq.
func (r *Repository) Range(ctx context.Context, collectorID string, from, to time.Time) ([]status.Event, error) {
	query := fmt.Sprintf(`
SELECT collector_id, seq, run_id, status, message, ts
FROM %s
WHERE collector_id = $1 AND ts >= $2 AND ts < $3
ORDER BY seq`, r.table)
	rows, err := r.pool.Query(ctx, query, collectorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("select run events: %w", err)
	}
	defer rows.Close()

	var events []status.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

// Collectors lists distinct collector ids.
func (r *Repository) Collectors(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT collector_id FROM %s ORDER BY collector_id`, r.table))
	if err != nil {
		return nil, fmt.Errorf("select collectors: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collector id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collectors: %w", err)
	}
	return ids, nil
}

func scanEvent(row pgx.Row) (status.Event, error) {
	var (
		ev status.Event
		st string
	)
	if err := row.Scan(&ev.CollectorID, &ev.Seq, &ev.RunID, &st, &ev.Message, &ev.Timestamp); err != nil {
		return status.Event{}, err
	}
	ev.Status = collector.Status(st)
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}
