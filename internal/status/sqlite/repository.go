// Package sqlite stores run events in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_events (
	collector_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	ts_us INTEGER NOT NULL,
	PRIMARY KEY (collector_id, seq)
);
CREATE INDEX IF NOT EXISTS run_events_ts_idx ON run_events (collector_id, ts_us);
`

// Repository implements status.Repository over database/sql.
type Repository struct {
	db *sql.DB
}

// Open opens or creates the database at path in WAL mode.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, errors.New("status.sqlite_path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create run_events: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Append inserts one event.
func (r *Repository) Append(ctx context.Context, ev status.Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_events (collector_id, seq, run_id, status, message, ts_us) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.CollectorID, ev.Seq, ev.RunID, string(ev.Status), ev.Message, ev.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// Last returns the highest-seq event.
func (r *Repository) Last(ctx context.Context, collectorID string) (status.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT collector_id, seq, run_id, status, message, ts_us FROM run_events
		 WHERE collector_id = ? ORDER BY seq DESC LIMIT 1`, collectorID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return status.Event{}, status.ErrNotFound
	}
	if err != nil {
		return status.Event{}, fmt.Errorf("select last run event: %w", err)
	}
	return ev, nil
}

// Range returns events in [from, to) by seq.
func (r *Repository) Range(ctx context.Context, collectorID string, from, to time.Time) ([]status.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT collector_id, seq, run_id, status, message, ts_us FROM run_events
		 WHERE collector_id = ? AND ts_us >= ? AND ts_us < ? ORDER BY seq`,
		collectorID, from.UnixMicro(), to.UnixMicro())
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
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT collector_id FROM run_events ORDER BY collector_id`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (status.Event, error) {
	var (
		ev status.Event
		st string
		us int64
	)
	if err := row.Scan(&ev.CollectorID, &ev.Seq, &ev.RunID, &st, &ev.Message, &us); err != nil {
		return status.Event{}, err
	}
	ev.Status = collector.Status(st)
	ev.Timestamp = time.UnixMicro(us).UTC()
	return ev, nil
}
