package cache

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

// Options 汇总构建 Cache 所需的全部参数，均在构造时固定。
type Options struct {
	Kind       string
	MaxSize    int64
	MinSize    int64
	TTL        time.Duration
	DiskPath   string
	MaxAge     time.Duration
	MinPercent int
	Extensions []string
	Policy     Policy
	Now        func() time.Time
	Logger     *logrus.Logger
}

// OptionsFromConfig 把配置快照转换为 Options。
func OptionsFromConfig(cfg config.CacheConfig, logger *logrus.Logger) Options {
	return Options{
		Kind:       cfg.Type,
		MaxSize:    cfg.MaxSize.Bytes(),
		MinSize:    cfg.MinSize.Bytes(),
		TTL:        cfg.MaxTime.DurationValue(),
		DiskPath:   cfg.DiskPath,
		MaxAge:     time.Duration(cfg.MaxDays) * 24 * time.Hour,
		MinPercent: cfg.MinPercent,
		Extensions: cfg.ImageTypes,
		Policy:     ParsePolicy(cfg.Eviction),
		Logger:     logger,
	}
}

// Cache 在 Store 之上附加可缓存判定与默认 TTL。
type Cache struct {
	Store
	minSize    int64
	ttl        time.Duration
	extensions map[string]struct{}
}

// New 根据 Kind 选择内存或磁盘后端。
func New(opts Options) (*Cache, error) {
	var (
		store Store
		err   error
	)
	switch opts.Kind {
	case "memory":
		store = NewMemoryStore(opts.MaxSize, opts.Policy, opts.Now)
	case "disk", "":
		store, err = NewDiskStore(DiskOptions{
			Dir:        opts.DiskPath,
			MaxSize:    opts.MaxSize,
			MaxAge:     opts.MaxAge,
			MinPercent: opts.MinPercent,
			Policy:     opts.Policy,
			Now:        opts.Now,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported cache type %q", opts.Kind)
	}

	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		exts[normalizeExt(ext)] = struct{}{}
	}
	return &Cache{
		Store:      store,
		minSize:    opts.MinSize,
		ttl:        opts.TTL,
		extensions: exts,
	}, nil
}

// IsCacheable 仅当扩展名在允许集合内且体积不小于 minSize 时返回 true，小文件不值得占用缓存。
func (c *Cache) IsCacheable(ext string, n int64) bool {
	if c == nil {
		return false
	}
	if _, ok := c.extensions[normalizeExt(ext)]; !ok {
		return false
	}
	return n >= c.minSize
}

// TTL 返回写入条目时使用的默认有效期。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Put 以默认 TTL 写入。
func (c *Cache) Put(ctx context.Context, key string, data []byte, contentType string) (bool, error) {
	return c.Set(ctx, key, data, contentType, c.ttl)
}

// Extension 返回请求路径的小写扩展名（不含点）。
func Extension(p string) string {
	return normalizeExt(path.Ext(p))
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ResponseHeaders 是命中、回源、首页等响应共用的缓存头。
func ResponseHeaders(maxAge time.Duration) map[string]string {
	seconds := strconv.FormatInt(int64(maxAge/time.Second), 10)
	return map[string]string{
		"Cache-Control":     "public, max-age=" + seconds,
		"CDN-Cache-Control": "max-age=" + seconds,
	}
}
