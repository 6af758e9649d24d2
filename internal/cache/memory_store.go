package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore 把正文保存在进程内，容量与淘汰策略和磁盘后端一致。
type memoryStore struct {
	mu      sync.Mutex
	maxSize int64
	now     func() time.Time
	idx     *index[[]byte]
}

// NewMemoryStore 构建内存后端，now 为空时使用 time.Now。
func NewMemoryStore(maxSize int64, policy Policy, now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		maxSize: maxSize,
		now:     now,
		idx:     newIndex[[]byte](policy),
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.idx.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if n.entry.expired(now) {
		s.idx.remove(key)
		return nil, ErrNotFound
	}
	s.idx.touch(key, now)
	return &Object{Entry: n.entry, Data: n.payload}, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	size := int64(len(data))
	if size > s.maxSize {
		return false, nil
	}

	key = strings.Clone(key)
	payload := bytes.Clone(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.idx.remove(key)
	for s.idx.size+size > s.maxSize {
		victim, ok := s.idx.victim()
		if !ok {
			break
		}
		s.idx.remove(victim.entry.Key)
	}

	now := s.now()
	s.idx.insert(&node[[]byte]{
		entry: Entry{
			Key:          key,
			ContentType:  contentType,
			SizeBytes:    size,
			CreatedAt:    now,
			LastAccessAt: now,
			ExpiresAt:    expiryFor(now, ttl),
			AccessCount:  1,
		},
		payload: payload,
	})
	return true, nil
}

func (s *memoryStore) Has(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.idx.get(key)
	if !ok {
		return false
	}
	if n.entry.expired(s.now()) {
		s.idx.remove(key)
		return false
	}
	return true
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.idx.remove(key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.idx.reset()
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.size
}

func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.len()
}
