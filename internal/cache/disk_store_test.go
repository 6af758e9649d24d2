package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDisk(t *testing.T, dir string, clock *fakeClock, opts ...func(*DiskOptions)) Store {
	t.Helper()
	o := DiskOptions{Dir: dir, MaxSize: 1 << 20, Policy: PolicyLRU, Now: clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	store, err := NewDiskStore(o)
	require.NoError(t, err)
	return store
}

func TestDiskStoreLayout(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	store := openDisk(t, dir, clock)

	ok, err := store.Set(context.Background(), "/gh/a.png", []byte("png-bytes"), "image/png", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	name := FileName("/gh/a.png")
	assert.Len(t, name, 32)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	raw, err := os.ReadFile(filepath.Join(dir, name+".meta"))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	for _, field := range []string{"key", "fileName", "size", "contentType", "timestamp", "expiresAt", "accessCount"} {
		assert.Contains(t, meta, field)
	}
	assert.Equal(t, "/gh/a.png", meta["key"])
	assert.Equal(t, name, meta["fileName"])
	assert.EqualValues(t, clock.Now().Add(time.Hour).UnixMilli(), meta["expiresAt"])
}

func TestDiskStoreReloadKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first := openDisk(t, dir, clock)
	_, err := first.Set(ctx, "/a.png", []byte("alpha"), "image/png", time.Hour)
	require.NoError(t, err)
	_, err = first.Set(ctx, "/b.jpg", []byte("bravo!"), "image/jpeg", 0)
	require.NoError(t, err)

	second := openDisk(t, dir, clock)
	assert.Equal(t, 2, second.Len())
	assert.EqualValues(t, 11, second.Size())

	obj, err := second.Get(ctx, "/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), obj.Data)
	assert.Equal(t, "image/png", obj.Entry.ContentType)
}

func TestDiskStoreReloadPurgesOrphans(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first := openDisk(t, dir, clock)
	_, err := first.Set(ctx, "/gone.png", []byte("data"), "image/png", 0)
	require.NoError(t, err)
	_, err = first.Set(ctx, "/kept.png", []byte("kept"), "image/png", 0)
	require.NoError(t, err)

	gone := FileName("/gone.png")
	require.NoError(t, os.Remove(filepath.Join(dir, gone)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeef"), []byte("orphan data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cache-123"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.meta"), []byte("{not json"), 0o644))

	second := openDisk(t, dir, clock)
	assert.False(t, second.Has(ctx, "/gone.png"))
	assert.True(t, second.Has(ctx, "/kept.png"))
	assert.Equal(t, 1, second.Len())

	for _, stray := range []string{gone + ".meta", "deadbeef", ".cache-123", "broken.meta"} {
		_, err := os.Stat(filepath.Join(dir, stray))
		assert.Truef(t, os.IsNotExist(err), "%s 应被清理", stray)
	}
}

func TestDiskStoreReloadPurgesExpired(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first := openDisk(t, dir, clock)
	_, err := first.Set(ctx, "/old.png", []byte("old"), "image/png", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	second := openDisk(t, dir, clock)
	assert.Equal(t, 0, second.Len())
	_, err = os.Stat(filepath.Join(dir, FileName("/old.png")))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskStoreReloadShrinksToCapacity(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first := openDisk(t, dir, clock)
	for _, key := range []string{"/1.png", "/2.png", "/3.png"} {
		_, err := first.Set(ctx, key, make([]byte, 10), "image/png", 0)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	second := openDisk(t, dir, clock, func(o *DiskOptions) { o.MaxSize = 20 })
	assert.EqualValues(t, 20, second.Size())
	assert.False(t, second.Has(ctx, "/1.png"), "最久未访问的条目应被淘汰")
}

func TestDiskStoreGetPersistsAccessStats(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	store := openDisk(t, dir, clock)
	_, err := store.Set(ctx, "/a.png", []byte("a"), "image/png", 0)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.Get(ctx, "/a.png")
	require.NoError(t, err)

	meta, err := readMeta(filepath.Join(dir, FileName("/a.png")+".meta"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, meta.AccessCount)
	assert.Equal(t, clock.Now().UnixMilli(), meta.Timestamp)
	assert.Nil(t, meta.ExpiresAt)
}

func TestDiskStoreAutoClean(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()
	store := openDisk(t, dir, clock, func(o *DiskOptions) {
		o.MaxAge = 24 * time.Hour
		o.MinPercent = 50
	})

	_, err := store.Set(ctx, "/stale.png", []byte("s"), "image/png", 0)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	_, err = store.Set(ctx, "/hot.png", []byte("h"), "image/png", 0)
	require.NoError(t, err)
	assert.False(t, store.Has(ctx, "/stale.png"), "超过 maxAge 的条目应直接清除")

	for i := 0; i < 3; i++ {
		_, err = store.Get(ctx, "/hot.png")
		require.NoError(t, err)
	}
	_, err = store.Set(ctx, "/cold.png", []byte("c"), "image/png", 0)
	require.NoError(t, err)

	// hot 访问 4 次，cutoff = floor(4*50/100) = 2，cold 刚写入不参与本轮。
	_, err = store.Set(ctx, "/next.png", []byte("n"), "image/png", 0)
	require.NoError(t, err)

	assert.True(t, store.Has(ctx, "/hot.png"))
	assert.False(t, store.Has(ctx, "/cold.png"), "低访问条目应被清除")
	assert.True(t, store.Has(ctx, "/next.png"))
}

func TestDiskStoreRequiresPath(t *testing.T) {
	_, err := NewDiskStore(DiskOptions{MaxSize: 10})
	assert.Error(t, err)
}
