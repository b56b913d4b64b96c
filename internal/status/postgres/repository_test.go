package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/status"
)

var columns = []string{"collector_id", "seq", "run_id", "status", "message", "ts"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return mock, repo
}

func TestAppendInsertsRow(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	now := time.Unix(1700000000, 0).UTC()
	ev := status.Event{CollectorID: "c", RunID: "r1", Seq: 3, Status: collector.StatusError, Message: "boom", Timestamp: now}

	mock.ExpectExec("INSERT INTO run_events").
		WithArgs("c", int64(3), "r1", "error", "boom", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Append(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastMapsNoRows(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM run_events").
		WithArgs("c").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("c", int64(2), "r1", "running", "", now))
	mock.ExpectQuery("SELECT (.+) FROM run_events").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ev, err := repo.Last(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, collector.StatusRunning, ev.Status)
	require.Equal(t, int64(2), ev.Seq)

	_, err = repo.Last(context.Background(), "missing")
	require.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRangeAndCollectors(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	mock.ExpectQuery("SELECT (.+) FROM run_events WHERE collector_id").
		WithArgs("c", from, to).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("c", int64(1), "r1", "running", "", from.Add(time.Hour)).
			AddRow("c", int64(2), "r1", "ok", "", from.Add(2*time.Hour)))
	mock.ExpectQuery("SELECT DISTINCT collector_id").
		WillReturnRows(pgxmock.NewRows([]string{"collector_id"}).AddRow("a").AddRow("c"))

	events, err := repo.Range(context.Background(), "c", from, to)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, collector.StatusOK, events[1].Status)

	ids, err := repo.Collectors(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS run_events_ts_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "events; drop table x")
	require.Error(t, err)
	_, err = NewWithPool(nil, "")
	require.Error(t, err)
	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}
