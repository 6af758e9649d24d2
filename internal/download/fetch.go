package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const chunkSize = 32 * 1024

// Resolver 是 DNS 覆盖解析的窄接口。
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, bool)
}

// fetcher 封装真正的 HTTP 抓取，工作单元与内联回退共用。
type fetcher struct {
	client   *http.Client
	resolver Resolver
	timeout  time.Duration
}

// open 发起请求并校验状态码，成功时由调用方负责关闭 Body。
func (f *fetcher) open(ctx context.Context, task Task) (*http.Response, error) {
	target, err := url.Parse(task.URL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}

	r := &route{host: target.Hostname()}
	if task.Proxy != nil && strings.TrimSpace(task.Proxy.Address) != "" {
		r.proxy = task.Proxy.URL()
	}
	if task.OverrideDNS && f.resolver != nil && r.proxy == nil {
		if ip, ok := f.resolver.Resolve(ctx, r.host); ok {
			r.ip = ip
		}
	}

	req, err := http.NewRequestWithContext(withRoute(ctx, r), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", task.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &StatusError{URL: task.URL, Status: resp.StatusCode}
	}
	return resp, nil
}

// fetchAll 在固定超时内读完整个响应。
func (f *fetcher) fetchAll(ctx context.Context, task Task) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.open(ctx, task)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", task.URL, err)
	}
	return &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// streamTo 依次产出 start/chunk.../end 或 error；emit 返回 false 时停止（调用方已放弃）。
func (f *fetcher) streamTo(ctx context.Context, task Task, emit func(Message) bool) {
	resp, err := f.open(ctx, task)
	if err != nil {
		emit(Message{Kind: KindError, Err: err})
		return
	}
	defer resp.Body.Close()

	if !emit(startMessage(resp)) {
		return
	}
	for {
		buf := make([]byte, chunkSize)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !emit(Message{Kind: KindChunk, Body: buf[:n]}) {
				return
			}
		}
		if err == io.EOF {
			emit(Message{Kind: KindStreamEnd})
			return
		}
		if err != nil {
			emit(Message{Kind: KindError, Err: fmt.Errorf("read %s: %w", task.URL, err)})
			return
		}
	}
}

func startMessage(resp *http.Response) Message {
	return Message{
		Kind:          KindStreamStart,
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
}
