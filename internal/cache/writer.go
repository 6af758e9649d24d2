package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// BackgroundWriter 承接流式响应结束后的缓存写入，写入失败只记录日志，不影响原请求。
// 并发写入数量受信号量约束，超过上限的写入直接丢弃。
type BackgroundWriter struct {
	cache  *Cache
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewBackgroundWriter 创建后台写入器，limit<=0 时按 1 处理。
func NewBackgroundWriter(c *Cache, limit int, logger *logrus.Logger) *BackgroundWriter {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BackgroundWriter{
		cache:  c,
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger,
	}
}

// Submit 异步写入一条缓存，返回是否被接受。
func (w *BackgroundWriter) Submit(key string, data []byte, contentType string) bool {
	if w == nil || w.cache == nil {
		return false
	}
	if !w.sem.TryAcquire(1) {
		w.logger.WithFields(logrus.Fields{
			"action": "cache_write",
			"key":    key,
			"bytes":  len(data),
		}).Warn("cache_write_dropped")
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		start := time.Now()
		stored, err := w.cache.Put(context.Background(), key, data, contentType)
		fields := logrus.Fields{
			"action":     "cache_write",
			"key":        key,
			"bytes":      len(data),
			"stored":     stored,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("cache_write_failed")
			return
		}
		w.logger.WithFields(fields).Debug("cache_write_done")
	}()
	return true
}

// Wait 等待所有已提交写入完成，或 ctx 结束。
func (w *BackgroundWriter) Wait(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
