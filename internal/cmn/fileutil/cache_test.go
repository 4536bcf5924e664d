package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_StoreAndLoad(t *testing.T) {
	t.Parallel()

	cache := NewCache[[]string]("dags", 0, 0)
	assert.Equal(t, "dags", cache.Name())

	path := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0600))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	cache.Store(path, []string{"a"}, fi)
	assert.Equal(t, 1, cache.Size())
	data, ok := cache.Load(path)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, data)
	assert.Equal(t, []string{path}, cache.Paths())

	_, ok = cache.Load("missing")
	assert.False(t, ok)

	cache.Invalidate(path)
	assert.Zero(t, cache.Size())
}

func TestCache_IsStale(t *testing.T) {
	t.Parallel()

	cache := NewCache[int]("test", 0, 0)
	path := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0600))

	stale, fi, err := cache.IsStale(path)
	require.NoError(t, err)
	assert.True(t, stale, "unknown path is stale")
	cache.Store(path, 1, fi)

	stale, _, err = cache.IsStale(path)
	require.NoError(t, err)
	assert.False(t, stale)

	later := fi.ModTime().Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	stale, _, err = cache.IsStale(path)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, os.Remove(path))
	stale, _, err = cache.IsStale(path)
	assert.Error(t, err)
	assert.True(t, stale)
}
