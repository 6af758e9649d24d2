package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store 是内存/磁盘两种后端共享的缓存接口，所有变更操作在实例内串行执行。
type Store interface {
	// Get 返回条目内容并刷新访问统计；不存在或已过期时返回 ErrNotFound（过期条目同时被删除）。
	Get(ctx context.Context, key string) (*Object, error)

	// Set 写入条目。size 超过容量时返回 false 且不改变任何状态；否则先按策略淘汰再写入。
	// key 与 data 在写入时复制，调用方返回后可以复用自己的缓冲区；Get 返回的 Data 为只读。
	Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) (bool, error)

	// Has 与 Get 的过期语义一致，但不刷新访问统计。
	Has(ctx context.Context, key string) bool

	// Delete 删除条目并扣减当前占用。
	Delete(ctx context.Context, key string) error

	// Clear 清空后端并将占用归零。
	Clear(ctx context.Context) error

	// Size 返回当前占用字节数。
	Size() int64

	// Len 返回当前条目数。
	Len() int
}

// Policy 决定容量不足时淘汰哪一个条目。
type Policy string

const (
	// PolicyLRU 淘汰最久未访问的条目，Get 会刷新其位置。
	PolicyLRU Policy = "lru"
	// PolicyFIFO 淘汰最早写入的条目，Get 不改变顺序。
	PolicyFIFO Policy = "fifo"
)

// ParsePolicy 将配置字符串转换为 Policy，未知值回退 LRU。
func ParsePolicy(raw string) Policy {
	if Policy(raw) == PolicyFIFO {
		return PolicyFIFO
	}
	return PolicyLRU
}

// Entry 描述条目元数据。
type Entry struct {
	Key          string
	ContentType  string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	// ExpiresAt 为零值表示永不过期。
	ExpiresAt   time.Time
	AccessCount int64
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Object 是一次命中的结果。
type Object struct {
	Entry Entry
	Data  []byte
}

// ErrNotFound 表示缓存不存在或已过期。
var ErrNotFound = errors.New("cache entry not found")

// IOError 描述磁盘读写删失败，调用方记录日志后按未命中处理。
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
