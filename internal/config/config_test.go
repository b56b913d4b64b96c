package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Pipeline.DownloadConcurrency)
	require.Equal(t, 3, cfg.Pipeline.ProcessingConcurrency)
	require.Zero(t, cfg.Pipeline.PartialFailureTolerance)
	require.Equal(t, 30*time.Minute, cfg.Pipeline.RunTimeout)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	require.InDelta(t, 2.0, cfg.Retry.BackoffFactor, 0)
	require.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	require.EqualValues(t, 10<<20, cfg.Fetch.MaxBytes)
	require.Equal(t, []string{"application/pdf", "text/html"}, cfg.Fetch.AllowedContentTypes)
	require.InDelta(t, 1.0, cfg.RateLimit.RPS, 0)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	require.Equal(t, "memory", cfg.Status.Backend)
	require.Equal(t, "none", cfg.Notify.Backend)
	require.Equal(t, "document", cfg.Structuring.Backend)
	require.Equal(t, 2*time.Minute, cfg.Structuring.Timeout)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Empty(t, cfg.Collectors)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
pipeline:
  download_concurrency: 8
  partial_failure_tolerance: 0.25
retry:
  max_retries: 5
  base_delay: 250ms
  max_delay: 10s
ratelimit:
  rps: 0.5
  per_source:
    slow.example: 0.1
cache:
  backend: local
  dir: /tmp/collectord-cache
status:
  backend: sqlite
  sqlite_path: /tmp/status.db
  timezone: Asia/Kolkata
sink:
  backend: gcs
  gcs_bucket: documents
notify:
  backend: pubsub
  project_id: proj
  topic: runs
collectors:
  - id: court
    urls: ["https://court.example/list.pdf"]
    interval: 1h
  - id: court-bench
    parent: court
    index_url: https://court.example/bench/
    link_pattern: '\.pdf$'
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pipeline.DownloadConcurrency)
	require.InDelta(t, 0.25, cfg.Pipeline.PartialFailureTolerance, 0)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.InDelta(t, 0.1, cfg.RateLimit.PerSource["slow.example"], 0)
	require.Equal(t, "sqlite", cfg.Status.Backend)
	require.Len(t, cfg.Collectors, 2)
	require.Equal(t, time.Hour, cfg.Collectors[0].Interval)
	require.Equal(t, "court", cfg.Collectors[1].Parent)

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Kolkata", loc.String())

	col, ok := cfg.Collector("court-bench")
	require.True(t, ok)
	require.Equal(t, "https://court.example/bench/", col.IndexURL)
	_, ok = cfg.Collector("missing")
	require.False(t, ok)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"zero concurrency":   "pipeline:\n  download_concurrency: 0\n",
		"negative retries":   "retry:\n  max_retries: -1\n",
		"tolerance too high": "pipeline:\n  partial_failure_tolerance: 1.5\n",
		"zero ttl":           "cache:\n  ttl: 0s\n",
		"max below base":     "retry:\n  base_delay: 10s\n  max_delay: 1s\n",
		"unknown backend":    "cache:\n  backend: memcached\n",
		"postgres no dsn":    "status:\n  backend: postgres\n",
		"redis no url":       "cache:\n  backend: redis\n",
		"bad timezone":       "status:\n  timezone: Mars/Olympus\n",
		"duplicate ids": `collectors:
  - id: a
    urls: ["https://a.example"]
  - id: a
    urls: ["https://b.example"]
`,
		"empty id":       "collectors:\n  - urls: [\"https://a.example\"]\n",
		"no urls":        "collectors:\n  - id: a\n",
		"unknown parent": "collectors:\n  - id: a\n    parent: b\n    urls: [\"https://a.example\"]\n",
		"bad pattern":    "collectors:\n  - id: a\n    index_url: https://a.example\n    link_pattern: '('\n",
		"remote no endpoint": "structuring:\n  backend: remote\n",
		"ftp url":            "collectors:\n  - id: a\n    urls: [\"ftp://a.example/list.pdf\"]\n",
		"mailto index":       "collectors:\n  - id: a\n    index_url: mailto:clerk@a.example\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
