package logging

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ring 是 logrus hook，按 FIFO 保留最近 N 条纯文本日志，供 /logs 输出。
type Ring struct {
	mu        sync.Mutex
	lines     []string
	next      int
	full      bool
	formatter logrus.Formatter
}

// NewRing 创建容量为 size 的环形缓冲，size<=0 时使用 2000。
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 2000
	}
	return &Ring{
		lines: make([]string, size),
		formatter: &logrus.TextFormatter{
			DisableColors:    true,
			FullTimestamp:    true,
			DisableSorting:   false,
			QuoteEmptyFields: true,
		},
	}
}

// Levels 实现 logrus.Hook。
func (r *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook。
func (r *Ring) Fire(entry *logrus.Entry) error {
	raw, err := r.formatter.Format(entry)
	if err != nil {
		return err
	}
	line := strings.TrimRight(string(raw), "\n")

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Lines 按写入顺序返回当前缓冲内容的副本。
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// String 以换行拼接全部日志。
func (r *Ring) String() string {
	return strings.Join(r.Lines(), "\n")
}
