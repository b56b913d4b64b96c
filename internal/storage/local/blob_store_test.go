package local_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/storage"
	"github.com/JakeFAU/collectord/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		fs := afero.NewMemMapFs()
		_, err := local.New(fs, local.Config{BaseDir: "/data/records"})
		require.NoError(t, err)
		ok, err := afero.DirExists(fs, "/data/records")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(afero.NewMemMapFs(), local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0o600))
		_, err := local.New(fs, local.Config{BaseDir: "/file"})
		assert.Error(t, err)
	})

	t.Run("ReadOnly", func(t *testing.T) {
		t.Parallel()
		base := afero.NewMemMapFs()
		require.NoError(t, base.MkdirAll("/ro", 0o750))
		_, err := local.New(afero.NewReadOnlyFs(base), local.Config{BaseDir: "/ro"})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s, err := local.New(fs, local.Config{BaseDir: "/data"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "court-a/run-1/item.json", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "file:///data/court-a/run-1/item.json", uri)

	got, err := afero.ReadFile(fs, "/data/court-a/run-1/item.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	_, err = s.PutObject(context.Background(), "court-a/run-1/item.json", "", []byte(`{"a":2}`))
	require.NoError(t, err)
	got, err = afero.ReadFile(fs, "/data/court-a/run-1/item.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))

	leftovers, err := afero.Glob(fs, "/data/court-a/run-1/.tmp-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, err = s.PutObject(context.Background(), "../../etc/passwd", "", nil)
	require.ErrorIs(t, err, storage.ErrInvalidPath)
}
