package collylister

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/collector"
)

const indexPage = `<html><body>
<a href="/lists/2026-10-15.pdf">today</a>
<a href="lists/2026-10-14.pdf">yesterday</a>
<a href="/lists/2026-10-15.pdf">duplicate</a>
<a href="/about.html">about</a>
<a href="">empty</a>
</body></html>`

func TestListResolvesAndFiltersLinks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexPage))
	}))
	t.Cleanup(server.Close)

	l, err := New(Config{
		CollectorID: "court-a",
		IndexURL:    server.URL + "/",
		LinkPattern: regexp.MustCompile(`\.pdf$`),
	})
	require.NoError(t, err)

	got, err := l.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []collector.Listing{
		{URL: server.URL + "/lists/2026-10-15.pdf", CacheKey: "court-a:" + server.URL + "/lists/2026-10-15.pdf"},
		{URL: server.URL + "/lists/2026-10-14.pdf", CacheKey: "court-a:" + server.URL + "/lists/2026-10-14.pdf"},
	}, got)
}

func TestListKeepsOnlyHTTPLinks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
<a href="mailto:clerk@example.com">mail</a>
<a href="ftp://files.example.com/lists/old.pdf">archive</a>
<a href="javascript:void(0)">menu</a>
<a href="/lists/current.pdf">current</a>
</body></html>`))
	}))
	t.Cleanup(server.Close)

	l, err := New(Config{CollectorID: "court-a", IndexURL: server.URL + "/"})
	require.NoError(t, err)

	got, err := l.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, server.URL+"/lists/current.pdf", got[0].URL)
}

func TestListClassifiesStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	l, err := New(Config{CollectorID: "court-a", IndexURL: server.URL})
	require.NoError(t, err)
	_, err = l.List(context.Background())
	require.Error(t, err)
	require.Equal(t, collector.KindPermanentRequest, collector.KindOf(err))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{IndexURL: "https://a.example"})
	require.Error(t, err)
	_, err = New(Config{CollectorID: "a"})
	require.Error(t, err)
}
