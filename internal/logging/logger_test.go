package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true, Level: "debug"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(-1))
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(-1))
	logger.Info("production logger ready")
}

func TestNewTeesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "collectord.log")
	logger, err := New(Config{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("run finished")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"msg":"run finished"`))
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestFallback(t *testing.T) {
	t.Parallel()

	require.NotNil(t, Fallback())
}
