package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/config"
	"github.com/JakeFAU/collectord/internal/pipeline"
	"github.com/JakeFAU/collectord/internal/status"
	statusmemory "github.com/JakeFAU/collectord/internal/status/memory"
)

type fakeApp struct {
	report  pipeline.Report
	runErr  error
	store   *status.Store
	ranWith string
	closed  atomic.Bool
}

func (f *fakeApp) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeApp) RunOnce(_ context.Context, id string) (pipeline.Report, error) {
	f.ranWith = id
	return f.report, f.runErr
}

func (f *fakeApp) Store() *status.Store { return f.store }

func (f *fakeApp) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

// useFakeApp swaps the factory for the duration of the test. Tests using it
// must not run in parallel.
func useFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return fake, nil }
	t.Cleanup(func() { newApp = orig })
	t.Chdir(t.TempDir())
}

func newFakeStore(t *testing.T) *status.Store {
	t.Helper()
	store, err := status.New(statusmemory.New())
	require.NoError(t, err)
	return store
}

func TestRunCommandFailsOnErrorStatus(t *testing.T) {
	fake := &fakeApp{report: pipeline.Report{
		CollectorID: "orders",
		RunID:       "run-1",
		Status:      collector.StatusError,
		Message:     "2 of 2 items failed",
	}}
	useFakeApp(t, fake)

	var out bytes.Buffer
	err := execute(context.Background(), []string{"run", "orders"}, &out)
	require.ErrorIs(t, err, errRunFailed)
	assert.Equal(t, "orders", fake.ranWith)
	assert.True(t, fake.closed.Load())

	var printed pipeline.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, collector.StatusError, printed.Status)
}

func TestRunCommandSucceedsOnWarning(t *testing.T) {
	fake := &fakeApp{report: pipeline.Report{CollectorID: "orders", RunID: "run-1", Status: collector.StatusWarning}}
	useFakeApp(t, fake)

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"run", "orders"}, &out))
	assert.Contains(t, out.String(), `"status": "warning"`)
}

func TestRunCommandRequiresCollector(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	err := execute(context.Background(), []string{"run"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestStatusCommandPrintsCurrentStatusAndSummary(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	run, err := store.Begin(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, run, status.Outcome{Status: collector.StatusOK}))

	fake := &fakeApp{store: store}
	useFakeApp(t, fake)

	var out bytes.Buffer
	require.NoError(t, execute(ctx, []string{"status", "orders"}, &out))

	var view statusView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, collector.StatusOK, view.Status)
	require.NotNil(t, view.Latest)
	assert.Equal(t, run.RunID, view.Latest.RunID)
	assert.Equal(t, 1, view.Summary.Total)
	require.NotNil(t, view.Summary.UptimePercentage)
	assert.InDelta(t, 100.0, *view.Summary.UptimePercentage, 0.001)
}

func TestStatusCommandUnknownCollectorHasNoData(t *testing.T) {
	useFakeApp(t, &fakeApp{store: newFakeStore(t)})

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"status", "ghost", "--date", "2024-03-01"}, &out))

	var view statusView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, collector.StatusUnknown, view.Status)
	assert.Nil(t, view.Latest)
	assert.Equal(t, "2024-03-01", view.Summary.Date)
	assert.Nil(t, view.Summary.UptimePercentage)
}

func TestStatusCommandRejectsBadDate(t *testing.T) {
	useFakeApp(t, &fakeApp{store: newFakeStore(t)})

	err := execute(context.Background(), []string{"status", "orders", "--date", "March"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "parse date")
}

func TestMissingConfigFileFailsBeforeBuild(t *testing.T) {
	built := false
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		built = true
		return &fakeApp{}, nil
	}
	t.Cleanup(func() { newApp = orig })

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	err := execute(context.Background(), []string{"--config", missing, "run", "orders"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "read config")
	assert.False(t, built)
}
