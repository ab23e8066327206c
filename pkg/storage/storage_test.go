package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	sqlite, err := NewSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "deepwork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Storage{"local": local, "sqlite": sqlite}
}

func TestStorageContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "tasks/missing.yaml")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("a: 1")))
			require.NoError(t, s.Write(ctx, "tasks/b.yaml", []byte("b: 1")))
			require.NoError(t, s.Write(ctx, "tasks/nested/c.yaml", []byte("c: 1")))
			require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("a: 2")))

			data, err := s.Read(ctx, "tasks/a.yaml")
			require.NoError(t, err)
			assert.Equal(t, "a: 2", string(data))

			paths, err := s.List(ctx, "tasks")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"tasks/a.yaml", "tasks/b.yaml"}, paths)

			ok, err := s.Exists(ctx, "tasks/b.yaml")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "tasks/b.yaml"))
			require.ErrorIs(t, s.Delete(ctx, "tasks/b.yaml"), ErrNotFound)

			ok, err = s.Exists(ctx, "tasks/b.yaml")
			require.NoError(t, err)
			assert.False(t, ok)

			paths, err = s.List(ctx, "empty")
			require.NoError(t, err)
			assert.Empty(t, paths)
		})
	}
}

func TestLocalStorageWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "tasks/seed.yaml", []byte("x")))

	changed := make(chan string, 16)
	require.NoError(t, s.Watch(ctx, func(path string) { changed <- path }))

	require.NoError(t, s.Write(ctx, "tasks/seed.yaml", []byte("y")))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-changed:
			if p == "tasks/seed.yaml" {
				return
			}
		case <-deadline:
			t.Fatal("no change reported for tasks/seed.yaml")
		}
	}
}

func TestStorageRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "tasks/../../secret.yaml")
			require.ErrorIs(t, err, ErrInvalidPath)
			require.ErrorIs(t, s.Write(ctx, "../tasks/a.yaml", []byte("x")), ErrInvalidPath)
			require.ErrorIs(t, s.Write(ctx, "/", []byte("x")), ErrInvalidPath)
			require.ErrorIs(t, s.Delete(ctx, ".."), ErrInvalidPath)
			_, err = s.Exists(ctx, `tasks\..\a.yaml`)
			require.ErrorIs(t, err, ErrInvalidPath)
			_, err = s.List(ctx, "../")
			require.ErrorIs(t, err, ErrInvalidPath)

			// Dot elements that stay inside the root are fine.
			require.NoError(t, s.Write(ctx, "/tasks/./x/../a.yaml", []byte("a")))
			data, err := s.Read(ctx, "tasks/a.yaml")
			require.NoError(t, err)
			assert.Equal(t, "a", string(data))
		})
	}
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"tasks/a.yaml":     "tasks/a.yaml",
		"/tasks/a.yaml/":   "tasks/a.yaml",
		"tasks//a.yaml":    "tasks/a.yaml",
		"tasks/x/../a.yml": "tasks/a.yml",
		"":                 "",
		"/":                "",
		"..foo/a.yaml":     "..foo/a.yaml",
	} {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"..", "../a", "tasks/../../a", "a\\b", "a\x00b"} {
		_, err := CleanPath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, in)
	}
}

func TestLocalStorageHidesTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("a")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "b.yaml.123.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tasks", "c.yaml"), 0o755))

	paths, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/a.yaml"}, paths)

	ok, err := s.Exists(ctx, "tasks/c.yaml")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
