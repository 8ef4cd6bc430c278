package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	entry, err := store.Load(ctx, KindWiki, "Vorkath")
	require.NoError(t, err)
	assert.Nil(t, entry)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, SaveValue(ctx, store, KindWiki, "Vorkath", now, map[string]string{"html": "<p>hi</p>"}))

	var got map[string]string
	loaded, ok := LoadValue(ctx, store, KindWiki, "Vorkath", &got)
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", got["html"])
	assert.True(t, loaded.Timestamp.Equal(now))
	assert.True(t, loaded.Fresh(now.Add(23*time.Hour), 24*time.Hour))
	assert.False(t, loaded.Fresh(now.Add(24*time.Hour), 24*time.Hour))
}

func TestFileStoreSeparatesKinds(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, SaveValue(ctx, store, KindWiki, "zulrah", time.Now(), "wiki"))
	require.NoError(t, SaveValue(ctx, store, KindPlayer, "zulrah", time.Now(), "player"))

	var a, b string
	_, ok := LoadValue(ctx, store, KindWiki, "zulrah", &a)
	require.True(t, ok)
	_, ok = LoadValue(ctx, store, KindPlayer, "zulrah", &b)
	require.True(t, ok)
	assert.Equal(t, "wiki", a)
	assert.Equal(t, "player", b)

	for _, kind := range []Kind{KindWiki, KindPlayer} {
		_, err := os.Stat(filepath.Join(dir, string(kind)))
		assert.NoError(t, err)
	}
}

func TestFileStoreConcurrentWritersLeaveWholeEntry(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = SaveValue(ctx, store, KindSearch, "dragon claws", time.Now(), fmt.Sprintf("writer-%02d", i))
		}(i)
	}
	wg.Wait()

	var got string
	_, ok := LoadValue(ctx, store, KindSearch, "dragon claws", &got)
	require.True(t, ok)
	assert.Regexp(t, `^writer-\d\d$`, got)

	leftovers, _ := filepath.Glob(filepath.Join(dir, string(KindSearch), ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFileStoreCorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	path := store.path(KindRoster, "group")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	entry, err := store.Load(context.Background(), KindRoster, "group")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFileStoreInvalidate(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, SaveValue(ctx, store, KindWiki, "Vorkath", now, "a"))
	require.NoError(t, SaveValue(ctx, store, KindPlayer, "bob", now, "b"))
	require.NoError(t, store.Invalidate(ctx, KindWiki))

	var s string
	_, ok := LoadValue(ctx, store, KindWiki, "Vorkath", &s)
	assert.False(t, ok)
	_, ok = LoadValue(ctx, store, KindPlayer, "bob", &s)
	assert.True(t, ok)
	assert.NoError(t, store.Invalidate(ctx, KindSearch), "missing kind is not an error")
}
