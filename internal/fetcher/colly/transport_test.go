package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/collector"
)

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	tr := New(Config{UserAgent: "collectord-test", RespectRobots: true, Timeout: time.Second, MaxBodySize: 1024})
	c := tr.buildCollector(context.Background())
	require.Equal(t, "collectord-test", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.True(t, c.AllowURLRevisit)
	require.Equal(t, 1024, c.MaxBodySize)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	tr := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	var (
		doc      collector.Document
		fetchErr error
	)
	hooks := &stubHooks{}
	item := collector.WorkItem{ID: "1", URL: "https://example.com/a"}
	tr.configureHooks(hooks, item, &doc, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/pdf"}},
	})
	require.Equal(t, "body", string(doc.Body))
	require.Equal(t, "application/pdf", doc.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	var ce *collector.Error
	require.ErrorAs(t, fetchErr, &ce)
	require.Equal(t, collector.KindTransientNetwork, ce.Kind)
	require.Equal(t, http.StatusBadGateway, ce.StatusCode)

	hooks.onError(nil, errors.New("dial failed"))
	require.EqualError(t, fetchErr, "dial failed")
}

func TestStatusErrorMapping(t *testing.T) {
	t.Parallel()

	base := errors.New("x")
	cases := map[int]collector.ErrorKind{
		http.StatusNotFound:            collector.KindPermanentRequest,
		http.StatusTooManyRequests:     collector.KindTransientNetwork,
		http.StatusServiceUnavailable:  collector.KindTransientNetwork,
		http.StatusPartialContent:      collector.KindPermanentRequest,
		http.StatusInternalServerError: collector.KindTransientNetwork,
	}
	for code, want := range cases {
		err := statusError("https://example.com", &colly.Response{StatusCode: code}, base)
		require.Equal(t, want, collector.KindOf(err), "status %d", code)
	}
}

func TestDoAgainstServer(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/ok.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.7"))
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{Timeout: 2 * time.Second})
	ctx := context.Background()

	for range 2 {
		doc, err := tr.Do(ctx, collector.WorkItem{ID: "ok", URL: srv.URL + "/ok.pdf"})
		require.NoError(t, err)
		require.Equal(t, "%PDF-1.7", string(doc.Body))
		require.Equal(t, "application/pdf", doc.ContentType)
	}

	_, err := tr.Do(ctx, collector.WorkItem{ID: "down", URL: srv.URL + "/down"})
	require.Error(t, err)
	require.Equal(t, collector.KindTransientNetwork, collector.KindOf(err))

	_, err = tr.Do(ctx, collector.WorkItem{ID: "missing", URL: srv.URL + "/missing"})
	require.Error(t, err)
	require.Equal(t, collector.KindPermanentRequest, collector.KindOf(err))
	require.EqualValues(t, 4, hits.Load())
}

func TestDoHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Do(ctx, collector.WorkItem{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
