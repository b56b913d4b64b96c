package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var uploads atomic.Int32
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				if strings.Contains(r.URL.Path, "/upload/storage/v1/b/records-bucket/o") {
					uploads.Add(1)
				}
				return &http.Response{
					StatusCode: http.StatusOK,
					Body:       io.NopCloser(strings.NewReader(`{"name":"court-a/item.json","bucket":"records-bucket"}`)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)

	s, err := New(client, Config{Bucket: "records-bucket"})
	require.NoError(t, err)
	uri, err := s.PutObject(context.Background(), "court-a/item.json", "application/json", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "gs://records-bucket/court-a/item.json", uri)
	require.EqualValues(t, 1, uploads.Load())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}
