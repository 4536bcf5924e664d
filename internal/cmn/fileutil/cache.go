package fileutil

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// entry holds cached data alongside file metadata for staleness detection.
type entry[T any] struct {
	data    T
	size    int64
	modTime time.Time
}

// Cache remembers what was derived from a file together with the file's
// size and modification time, so callers can skip unchanged files.
type Cache[T any] struct {
	name string
	lru  *expirable.LRU[string, entry[T]]
}

// NewCache creates a cache. A capacity of 0 means unlimited size and a
// ttl of 0 keeps entries until they are invalidated.
func NewCache[T any](name string, capacity int, ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		name: name,
		lru:  expirable.NewLRU[string, entry[T]](capacity, nil, ttl),
	}
}

func (c *Cache[T]) Name() string { return c.name }

func (c *Cache[T]) Size() int { return c.lru.Len() }

// Store records data for path using fi as the freshness reference.
func (c *Cache[T]) Store(path string, data T, fi os.FileInfo) {
	c.lru.Add(path, entry[T]{
		data:    data,
		size:    fi.Size(),
		modTime: fi.ModTime(),
	})
}

func (c *Cache[T]) Load(path string) (T, bool) {
	e, ok := c.lru.Get(path)
	if !ok {
		var zero T
		return zero, false
	}
	return e.data, true
}

func (c *Cache[T]) Invalidate(path string) {
	c.lru.Remove(path)
}

// Paths lists the cached paths, oldest first.
func (c *Cache[T]) Paths() []string {
	return c.lru.Keys()
}

// IsStale reports whether path changed since it was stored. A missing
// entry is stale; a missing file is stale and returns the stat error.
func (c *Cache[T]) IsStale(path string) (bool, os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return true, nil, fmt.Errorf("failed to stat file %s: %w", path, err)
	}
	e, ok := c.lru.Peek(path)
	if !ok {
		return true, fi, nil
	}
	return !e.modTime.Equal(fi.ModTime()) || e.size != fi.Size(), fi, nil
}
