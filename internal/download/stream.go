package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Stream 是一次流式抓取：Status 等字段来自 stream-start，Next 依序返回分块，结束时返回 io.EOF。
// 调用方必须调用 Close，重复调用安全。
type Stream struct {
	Status        int
	ContentType   string
	ContentLength int64
	// Inline 表示池已满、抓取在调用方 goroutine 中进行。
	Inline bool

	src source
}

type source interface {
	next(ctx context.Context) ([]byte, error)
	close()
}

// Next 返回下一个分块；出错或结束后单元已被释放。
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	return s.src.next(ctx)
}

// Close 释放工作单元，未结束的抓取会被取消。
func (s *Stream) Close() {
	s.src.close()
}

type unitSource struct {
	pool *Pool
	unit *unit
	job  *job
	once sync.Once
	err  error
}

func (s *unitSource) next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	m, err := s.pool.wait(ctx, s.job)
	if err != nil {
		s.pool.logWaitError(s.unit, s.job.task, err)
		return nil, s.finish(err)
	}
	switch m.Kind {
	case KindChunk:
		return m.Body, nil
	case KindStreamEnd:
		return nil, s.finish(io.EOF)
	case KindError:
		return nil, s.finish(m.Err)
	default:
		return nil, s.finish(fmt.Errorf("unexpected worker message %s", m.Kind))
	}
}

func (s *unitSource) finish(err error) error {
	s.err = err
	s.close()
	return err
}

func (s *unitSource) close() {
	s.once.Do(func() {
		s.pool.release(s.unit, s.job)
	})
}

type inlineSource struct {
	body     io.ReadCloser
	job      *job
	timer    *time.Timer
	timeout  time.Duration
	timedOut *atomic.Bool
	once     sync.Once
}

func (s *inlineSource) next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		s.close()
		return nil, err
	}
	s.timer.Reset(s.timeout)
	buf := make([]byte, chunkSize)
	n, err := s.body.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	s.close()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if s.timedOut.Load() {
		return nil, ErrTimeout
	}
	return nil, err
}

func (s *inlineSource) close() {
	s.once.Do(func() {
		s.timer.Stop()
		s.body.Close()
		s.job.cancel()
	})
}
