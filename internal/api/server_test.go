package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/clock/manual"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/scheduler"
	"github.com/JakeFAU/collectord/internal/status"
	statusmemory "github.com/JakeFAU/collectord/internal/status/memory"
)

type fakeTrigger struct {
	err error
	ids []string
}

func (f *fakeTrigger) Trigger(id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

type failingRepo struct{ status.Repository }

func (failingRepo) Collectors(context.Context) ([]string, error) {
	return nil, errors.New("database gone")
}

type fixture struct {
	server  *Server
	store   *status.Store
	clock   *manual.Clock
	trigger *fakeTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := manual.New(time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC))
	store, err := status.New(statusmemory.New(), status.WithClock(clock))
	require.NoError(t, err)
	trigger := &fakeTrigger{}
	server := NewServer(store, trigger, []CollectorInfo{
		{ID: "court"},
		{ID: "court-a", Parent: "court"},
		{ID: "court-b", Parent: "court"},
		{ID: "idle"},
	}, nil, WithClock(clock))
	return &fixture{server: server, store: store, clock: clock, trigger: trigger}
}

func (f *fixture) record(t *testing.T, id string, outcome collector.Status, msg string) {
	t.Helper()
	ctx := context.Background()
	run, err := f.store.Begin(ctx, id)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Complete(ctx, run, status.Outcome{Status: outcome, Message: msg}))
	f.clock.Advance(time.Minute)
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", nil))
	require.Equal(t, http.StatusOK, f.get(t, "/readyz", nil))
	require.Equal(t, http.StatusOK, f.get(t, "/metrics", nil))

	store, err := status.New(failingRepo{statusmemory.New()})
	require.NoError(t, err)
	broken := NewServer(store, nil, nil, nil)
	rec := httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListCollectorsAggregatesChildren(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.record(t, "court", collector.StatusOK, "")
	f.record(t, "court-a", collector.StatusError, "permanent_request: status 404")
	f.record(t, "court-b", collector.StatusOK, "")

	var body struct {
		Collectors []collectorView `json:"collectors"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors", &body))
	require.Len(t, body.Collectors, 4)

	byID := map[string]collectorView{}
	for _, c := range body.Collectors {
		byID[c.ID] = c
	}
	require.Equal(t, collector.StatusOK, byID["court"].Status)
	require.Equal(t, collector.StatusWarning, byID["court"].DisplayStatus)
	require.Equal(t, []string{"court-a", "court-b"}, byID["court"].Children)
	require.Equal(t, "court", byID["court-a"].Parent)
	require.Equal(t, collector.StatusUnknown, byID["idle"].Status)
	require.Nil(t, byID["idle"].Latest)
}

func TestCollectorStatusReflectsRunningRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.Begin(context.Background(), "court-a")
	require.NoError(t, err)

	var view collectorView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors/court-a/status", &view))
	require.Equal(t, collector.StatusRunning, view.Status)
	require.Equal(t, http.StatusNotFound, f.get(t, "/v1/collectors/nope/status", nil))
}

func TestHistoryAndSummaries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 3 {
		f.record(t, "court-a", collector.StatusOK, "")
	}
	f.record(t, "court-a", collector.StatusError, "boom")

	var history struct {
		Events []status.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors/court-a/history?since=2026-10-15", &history))
	require.Len(t, history.Events, 8)
	require.Equal(t, collector.StatusRunning, history.Events[0].Status)

	var sum status.Summary
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors/court-a/summary?date=2026-10-15", &sum))
	require.NotNil(t, sum.UptimePercentage)
	require.InDelta(t, 75.0, *sum.UptimePercentage, 0.001)
	require.Equal(t, "boom", sum.LastError)

	var empty map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors/court-a/summary?date=2026-10-14", &empty))
	require.Contains(t, empty, "uptime_percentage")
	require.Nil(t, empty["uptime_percentage"])

	var sums struct {
		Summaries []status.Summary `json:"summaries"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/collectors/court-a/summaries", &sums))
	require.Len(t, sums.Summaries, 1)
	require.Equal(t, "2026-10-15", sums.Summaries[0].Date)

	require.Equal(t, http.StatusBadRequest, f.get(t, "/v1/collectors/court-a/history?since=15-10-2026", nil))
}

func TestTriggerRun(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		code int
	}{
		"accepted": {nil, http.StatusAccepted},
		"running":  {scheduler.ErrAlreadyRunning, http.StatusConflict},
		"unknown":  {scheduler.ErrUnknownCollector, http.StatusNotFound},
		"stopped":  {scheduler.ErrNotStarted, http.StatusServiceUnavailable},
		"other":    {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.trigger.err = tc.err
			rec := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/collectors/court-a/run", nil))
			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, []string{"court-a"}, f.trigger.ids)
		})
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
