package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	metaSuffix = ".meta"
	tempPrefix = ".cache-"
)

// DiskOptions 控制磁盘后端的容量与 auto-clean 行为。
type DiskOptions struct {
	Dir        string
	MaxSize    int64
	MaxAge     time.Duration
	MinPercent int
	Policy     Policy
	Now        func() time.Time
	Logger     *logrus.Logger
}

// diskMeta 是 <hash>.meta 边车文件的 JSON 结构，时间字段为毫秒时间戳。
type diskMeta struct {
	Key         string `json:"key"`
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	Timestamp   int64  `json:"timestamp"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	ExpiresAt   *int64 `json:"expiresAt"`
	AccessCount int64  `json:"accessCount"`
}

// diskStore 用内存索引记录所有条目元数据，正文与边车文件成对落盘。
type diskStore struct {
	mu         sync.Mutex
	dir        string
	maxSize    int64
	maxAge     time.Duration
	minPercent int
	now        func() time.Time
	logger     *logrus.Logger
	idx        *index[string]
}

// NewDiskStore 创建目录并加载已有条目：缺少正文或边车的一侧视为损坏并清理，过期条目直接删除。
func NewDiskStore(opts DiskOptions) (Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("disk cache path required")
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache path: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}

	s := &diskStore{
		dir:        abs,
		maxSize:    opts.MaxSize,
		maxAge:     opts.MaxAge,
		minPercent: opts.MinPercent,
		now:        opts.Now,
		logger:     opts.Logger,
		idx:        newIndex[string](opts.Policy),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// FileName 返回 key 对应的正文文件名（md5 十六进制）。
func FileName(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *diskStore) load() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache path: %w", err)
	}

	now := s.now()
	var loaded []*node[string]
	known := make(map[string]struct{})

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		metaPath := filepath.Join(s.dir, name)
		meta, err := readMeta(metaPath)
		if err != nil || meta.FileName != strings.TrimSuffix(name, metaSuffix) {
			s.logger.WithFields(logrus.Fields{"action": "cache_load", "file": name}).
				Warn("cache_meta_corrupt")
			_ = os.Remove(metaPath)
			continue
		}
		dataPath := filepath.Join(s.dir, meta.FileName)
		info, statErr := os.Stat(dataPath)
		if statErr != nil || info.IsDir() {
			_ = os.Remove(metaPath)
			continue
		}
		entry := meta.entry()
		if entry.expired(now) {
			s.removeFiles(meta.FileName)
			continue
		}
		known[meta.FileName] = struct{}{}
		loaded = append(loaded, &node[string]{entry: entry, payload: meta.FileName})
	}

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		// 孤立正文或写入中断留下的临时文件
		_ = os.Remove(filepath.Join(s.dir, name))
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		a, b := loaded[i].entry, loaded[j].entry
		if s.idx.policy == PolicyFIFO {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.LastAccessAt.Before(b.LastAccessAt)
	})
	for _, n := range loaded {
		s.idx.insert(n)
	}
	for s.idx.size > s.maxSize {
		victim, ok := s.idx.victim()
		if !ok {
			break
		}
		s.deleteLocked(victim.entry.Key)
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "cache_load",
		"path":    s.dir,
		"entries": s.idx.len(),
		"bytes":   s.idx.size,
	}).Info("disk cache loaded")
	return nil
}

func (s *diskStore) Get(ctx context.Context, key string) (*Object, error) {
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
		s.deleteLocked(key)
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.dir, n.payload))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.deleteLocked(key)
		}
		return nil, &IOError{Op: "read", Key: key, Err: err}
	}

	s.idx.touch(key, now)
	if err := writeMeta(s.dir, n.payload, metaFromEntry(n.entry, n.payload)); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_get", "key": key}).
			Warn("cache_meta_update_failed")
	}
	return &Object{Entry: n.entry, Data: data}, nil
}

func (s *diskStore) Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	size := int64(len(data))
	if size > s.maxSize {
		return false, nil
	}
	key = strings.Clone(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.autoCleanLocked()
	s.deleteLocked(key)
	for s.idx.size+size > s.maxSize {
		victim, ok := s.idx.victim()
		if !ok {
			break
		}
		s.deleteLocked(victim.entry.Key)
	}

	now := s.now()
	fileName := FileName(key)
	entry := Entry{
		Key:          key,
		ContentType:  contentType,
		SizeBytes:    size,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    expiryFor(now, ttl),
		AccessCount:  1,
	}

	// 正文先于边车落盘，加载时只认成对文件。
	if err := writeFileAtomic(s.dir, fileName, data); err != nil {
		return false, &IOError{Op: "write", Key: key, Err: err}
	}
	meta := metaFromEntry(entry, fileName)
	if err := writeMeta(s.dir, fileName, meta); err != nil {
		_ = os.Remove(filepath.Join(s.dir, fileName))
		return false, &IOError{Op: "write_meta", Key: key, Err: err}
	}

	s.idx.insert(&node[string]{entry: entry, payload: fileName})
	return true, nil
}

// autoCleanLocked 在每次写入前执行：超过 maxAge 的条目直接清除；
// 其余条目中访问次数不高于 floor(最大访问次数 × minPercent / 100) 的被清除。
func (s *diskStore) autoCleanLocked() {
	nodes := s.idx.snapshot()
	if len(nodes) == 0 {
		return
	}
	now := s.now()

	var young []*node[string]
	var maxAccess int64
	for _, n := range nodes {
		if now.Sub(n.entry.CreatedAt) > s.maxAge {
			s.deleteLocked(n.entry.Key)
			continue
		}
		young = append(young, n)
		if n.entry.AccessCount > maxAccess {
			maxAccess = n.entry.AccessCount
		}
	}

	cutoff := maxAccess * int64(s.minPercent) / 100
	if cutoff <= 0 {
		return
	}
	removed := 0
	for _, n := range young {
		if n.entry.AccessCount <= cutoff {
			s.deleteLocked(n.entry.Key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "cache_autoclean",
			"cutoff":  cutoff,
			"removed": removed,
		}).Debug("cache_autoclean_done")
	}
}

func (s *diskStore) Has(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.idx.get(key)
	if !ok {
		return false
	}
	if n.entry.expired(s.now()) {
		s.deleteLocked(key)
		return false
	}
	return true
}

func (s *diskStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

// deleteLocked 先更新索引与占用，再删除文件；文件删除失败只影响返回值。
func (s *diskStore) deleteLocked(key string) error {
	n, ok := s.idx.remove(key)
	if !ok {
		return nil
	}
	if err := s.removeFiles(n.payload); err != nil {
		return &IOError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *diskStore) removeFiles(fileName string) error {
	var firstErr error
	for _, p := range []string{fileName, fileName + metaSuffix} {
		if err := os.Remove(filepath.Join(s.dir, p)); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *diskStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idx.reset()
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return &IOError{Op: "clear", Err: err}
	}
	var firstErr error
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return &IOError{Op: "clear", Err: firstErr}
	}
	return nil
}

func (s *diskStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.size
}

func (s *diskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.len()
}

func (m diskMeta) entry() Entry {
	created := m.CreatedAt
	if created == 0 {
		created = m.Timestamp
	}
	e := Entry{
		Key:          m.Key,
		ContentType:  m.ContentType,
		SizeBytes:    m.Size,
		CreatedAt:    time.UnixMilli(created),
		LastAccessAt: time.UnixMilli(m.Timestamp),
		AccessCount:  m.AccessCount,
	}
	if e.AccessCount <= 0 {
		e.AccessCount = 1
	}
	if m.ExpiresAt != nil {
		e.ExpiresAt = time.UnixMilli(*m.ExpiresAt)
	}
	return e
}

func metaFromEntry(e Entry, fileName string) diskMeta {
	m := diskMeta{
		Key:         e.Key,
		FileName:    fileName,
		Size:        e.SizeBytes,
		ContentType: e.ContentType,
		Timestamp:   e.LastAccessAt.UnixMilli(),
		CreatedAt:   e.CreatedAt.UnixMilli(),
		AccessCount: e.AccessCount,
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt.UnixMilli()
		m.ExpiresAt = &exp
	}
	return m
}

func readMeta(path string) (diskMeta, error) {
	var meta diskMeta
	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	if meta.Key == "" || meta.FileName == "" {
		return meta, errors.New("meta missing key or fileName")
	}
	return meta, nil
}

func writeMeta(dir, fileName string, meta diskMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, fileName+metaSuffix, raw)
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(dir, name string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, name)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
