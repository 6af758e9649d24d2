package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

func newMemoryCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{
		Kind:       "memory",
		MaxSize:    1 << 20,
		MinSize:    8,
		TTL:        time.Hour,
		Extensions: []string{"png", ".JPG"},
		Policy:     PolicyLRU,
	})
	require.NoError(t, err)
	return c
}

func TestIsCacheable(t *testing.T) {
	c := newMemoryCache(t)

	cases := []struct {
		ext  string
		n    int64
		want bool
	}{
		{"png", 8, true},
		{"png", 7, false},
		{"jpg", 100, true},
		{".PNG", 100, true},
		{"gif", 100, false},
		{"", 100, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, c.IsCacheable(tc.ext, tc.n), "ext=%q n=%d", tc.ext, tc.n)
	}

	var disabled *Cache
	assert.False(t, disabled.IsCacheable("png", 100))
}

func TestCachePutUsesDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c, err := New(Options{Kind: "memory", MaxSize: 100, TTL: time.Minute, Now: clock.Now})
	require.NoError(t, err)

	ok, err := c.Put(context.Background(), "/a.png", []byte("x"), "image/png")
	require.NoError(t, err)
	require.True(t, ok)

	obj, err := c.Get(context.Background(), "/a.png")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), obj.Entry.ExpiresAt)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.CacheConfig{
		Type:       "disk",
		MaxSize:    config.Size(1024),
		MinSize:    config.Size(8),
		MaxTime:    config.Duration(time.Hour),
		DiskPath:   "/tmp/cache",
		MaxDays:    2,
		MinPercent: 10,
		ImageTypes: []string{"png"},
		Eviction:   "fifo",
	}
	opts := OptionsFromConfig(cfg, nil)
	assert.Equal(t, int64(1024), opts.MaxSize)
	assert.Equal(t, 48*time.Hour, opts.MaxAge)
	assert.Equal(t, time.Hour, opts.TTL)
	assert.Equal(t, PolicyFIFO, opts.Policy)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Options{Kind: "redis"})
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "png", Extension("/gh/user/repo/logo.PNG"))
	assert.Equal(t, "", Extension("/gh/user/repo/"))
	assert.Equal(t, "gz", Extension("/a/b.tar.gz"))
}

func TestResponseHeaders(t *testing.T) {
	headers := ResponseHeaders(24 * time.Hour)
	assert.Equal(t, "public, max-age=86400", headers["Cache-Control"])
	assert.Equal(t, "max-age=86400", headers["CDN-Cache-Control"])
}

func TestBackgroundWriter(t *testing.T) {
	c := newMemoryCache(t)
	w := NewBackgroundWriter(c, 2, nil)

	assert.True(t, w.Submit("/bg.png", []byte("background"), "image/png"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))

	obj, err := c.Get(context.Background(), "/bg.png")
	require.NoError(t, err)
	assert.Equal(t, "background", string(obj.Data))
}

func TestBackgroundWriterDropsWhenSaturated(t *testing.T) {
	c := newMemoryCache(t)
	w := NewBackgroundWriter(c, 1, nil)
	require.True(t, w.sem.TryAcquire(1))

	assert.False(t, w.Submit("/dropped.png", []byte("x"), "image/png"))
	w.sem.Release(1)

	require.NoError(t, w.Wait(context.Background()))
	assert.False(t, c.Has(context.Background(), "/dropped.png"))
}
