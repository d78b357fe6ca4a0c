package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing dir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("nested path", func(t *testing.T) {
		path := "comments/A1/csdn/s1.json"
		uri, err := store.PutObject(context.Background(), path, "application/json", strings.NewReader(`{"ok":true}`))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(dir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(dir, path))
		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(data))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "", strings.NewReader("x"))
		require.Error(t, err)
	})

	t.Run("traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.json", "", strings.NewReader("x"))
		require.Error(t, err)
	})

	t.Run("no temp files left", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(dir, "comments", "A1", "csdn"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})
}
