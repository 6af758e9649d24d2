// Package download runs outbound origin fetches on a bounded set of worker
// units. Each unit is a goroutine that handles one fetch at a time; when all
// units are busy and the pool is at capacity the fetch runs inline in the
// caller instead of queueing. Units report back through tagged messages
// (result, stream start, chunk, stream end, error) so buffered and streamed
// transfers share one protocol.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCapacity 是工作单元上限。
	DefaultCapacity = 8
	// DefaultTimeout 同时用作抓取超时与调用方等待超时。
	DefaultTimeout = 30 * time.Second
	messageBuffer  = 4
)

// Options 配置工作池。
type Options struct {
	Capacity int
	Timeout  time.Duration
	Resolver Resolver
	Logger   *logrus.Logger
	// Client 为空时使用共享 Transport 构建。
	Client *http.Client
}

// Stats 是工作池的即时快照。
type Stats struct {
	Capacity   int   `json:"capacity"`
	Units      int   `json:"units"`
	Busy       int   `json:"busy"`
	InlineRuns int64 `json:"inlineRuns"`
}

type unit struct {
	id    int
	busy  bool
	tasks chan *job
}

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	task   Task
	out    chan Message
}

// Pool 管理工作单元的创建、占用与释放。
type Pool struct {
	mu       sync.Mutex
	units    []*unit
	capacity int
	timeout  time.Duration
	closed   bool

	fetcher *fetcher
	logger  *logrus.Logger
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	inline  atomic.Int64
}

// NewPool 创建空池，工作单元在首次需要时懒加载。
func NewPool(opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: newTransport(opts.Timeout)}
	}
	base, stop := context.WithCancel(context.Background())
	return &Pool{
		capacity: opts.Capacity,
		timeout:  opts.Timeout,
		fetcher: &fetcher{
			client:   client,
			resolver: opts.Resolver,
			timeout:  opts.Timeout,
		},
		logger: opts.Logger,
		base:   base,
		stop:   stop,
	}
}

func (p *Pool) newJob(task Task) *job {
	ctx, cancel := context.WithCancel(p.base)
	return &job{ctx: ctx, cancel: cancel, task: task, out: make(chan Message, messageBuffer)}
}

// acquire 返回第一个空闲单元；必要时创建新单元；池满且全忙时返回 nil，由调用方内联执行。
func (p *Pool) acquire(j *job) (*unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	for _, u := range p.units {
		if u.busy {
			continue
		}
		// 超时释放的单元可能仍在收尾上一个任务，投递失败时视为不可用。
		select {
		case u.tasks <- j:
			u.busy = true
			return u, nil
		default:
		}
	}
	if len(p.units) < p.capacity {
		u := &unit{id: len(p.units), busy: true, tasks: make(chan *job, 1)}
		p.units = append(p.units, u)
		p.wg.Add(1)
		go p.run(u)
		u.tasks <- j
		p.logger.WithFields(logrus.Fields{"action": "download_pool", "unit": u.id}).Debug("worker_unit_created")
		return u, nil
	}
	return nil, nil
}

// release 取消任务上下文并把单元标记为空闲，之后该任务的迟到消息会被丢弃。
func (p *Pool) release(u *unit, j *job) {
	j.cancel()
	p.mu.Lock()
	u.busy = false
	p.mu.Unlock()
}

func (p *Pool) run(u *unit) {
	defer p.wg.Done()
	for j := range u.tasks {
		p.execute(u, j)
	}
}

func (p *Pool) execute(u *unit, j *job) {
	emit := func(m Message) bool {
		select {
		case j.out <- m:
			return true
		case <-j.ctx.Done():
			return false
		}
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{"action": "download", "unit": u.id, "url": j.task.URL}).
				Errorf("worker_unit_panic: %v", r)
			emit(Message{Kind: KindError, Err: fmt.Errorf("worker panic: %v", r)})
		}
	}()

	if j.task.Stream {
		p.fetcher.streamTo(j.ctx, j.task, emit)
		return
	}
	res, err := p.fetcher.fetchAll(j.ctx, j.task)
	if err != nil {
		emit(Message{Kind: KindError, Err: err})
		return
	}
	emit(Message{Kind: KindResult, Status: res.Status, ContentType: res.ContentType, Body: res.Body})
}

// wait 等待单元的下一条消息，受调用方超时与 ctx 约束。
func (p *Pool) wait(ctx context.Context, j *job) (Message, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case m := <-j.out:
		return m, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.base.Done():
		return Message{}, ErrPoolClosed
	}
}

// Download 以缓冲模式抓取完整响应。
func (p *Pool) Download(ctx context.Context, task Task) (*Result, error) {
	task.Stream = false
	j := p.newJob(task)
	u, err := p.acquire(j)
	if err != nil {
		j.cancel()
		return nil, err
	}
	if u == nil {
		defer j.cancel()
		p.noteInline(task)
		return p.fetcher.fetchAll(j.ctx, task)
	}
	defer p.release(u, j)

	m, err := p.wait(ctx, j)
	if err != nil {
		p.logWaitError(u, task, err)
		return nil, err
	}
	switch m.Kind {
	case KindResult:
		return &Result{Status: m.Status, ContentType: m.ContentType, Body: m.Body}, nil
	case KindError:
		return nil, m.Err
	default:
		return nil, fmt.Errorf("unexpected worker message %s", m.Kind)
	}
}

// DownloadStream 以流式模式抓取，返回时已收到 stream-start。
func (p *Pool) DownloadStream(ctx context.Context, task Task) (*Stream, error) {
	task.Stream = true
	j := p.newJob(task)
	u, err := p.acquire(j)
	if err != nil {
		j.cancel()
		return nil, err
	}
	if u == nil {
		p.noteInline(task)
		return p.openInline(j, task)
	}

	src := &unitSource{pool: p, unit: u, job: j}
	m, err := p.wait(ctx, j)
	if err != nil {
		p.logWaitError(u, task, err)
		src.close()
		return nil, err
	}
	switch m.Kind {
	case KindStreamStart:
		return &Stream{
			Status:        m.Status,
			ContentType:   m.ContentType,
			ContentLength: m.ContentLength,
			src:           src,
		}, nil
	case KindError:
		src.close()
		return nil, m.Err
	default:
		src.close()
		return nil, fmt.Errorf("unexpected worker message %s", m.Kind)
	}
}

func (p *Pool) openInline(j *job, task Task) (*Stream, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(p.timeout, func() {
		timedOut.Store(true)
		j.cancel()
	})
	resp, err := p.fetcher.open(j.ctx, task)
	if err != nil {
		timer.Stop()
		j.cancel()
		if timedOut.Load() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	start := startMessage(resp)
	return &Stream{
		Status:        start.Status,
		ContentType:   start.ContentType,
		ContentLength: start.ContentLength,
		Inline:        true,
		src: &inlineSource{
			body:     resp.Body,
			job:      j,
			timer:    timer,
			timeout:  p.timeout,
			timedOut: &timedOut,
		},
	}, nil
}

func (p *Pool) noteInline(task Task) {
	p.inline.Add(1)
	p.logger.WithFields(logrus.Fields{
		"action": "download",
		"url":    task.URL,
		"stream": task.Stream,
	}).Info("worker_pool_saturated_inline")
}

func (p *Pool) logWaitError(u *unit, task Task, err error) {
	entry := p.logger.WithFields(logrus.Fields{"action": "download", "unit": u.id, "url": task.URL})
	if errors.Is(err, ErrTimeout) {
		entry.Warn("worker_unit_timeout_released")
		return
	}
	entry.WithError(err).Debug("worker_wait_aborted")
}

// Stats 返回单元数量与占用情况。
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, u := range p.units {
		if u.busy {
			busy++
		}
	}
	return Stats{
		Capacity:   p.capacity,
		Units:      len(p.units),
		Busy:       busy,
		InlineRuns: p.inline.Load(),
	}
}

// Close 强制终止所有单元：取消进行中的抓取并等待 goroutine 退出。
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stop()
	for _, u := range p.units {
		close(u.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.WithField("action", "download_pool").Info("worker_pool_closed")
}
