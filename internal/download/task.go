package download

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

var (
	// ErrTimeout 表示在等待工作单元响应时超时，单元已被释放。
	ErrTimeout = errors.New("download timeout")
	// ErrPoolClosed 表示工作池已关闭。
	ErrPoolClosed = errors.New("download pool closed")
)

// StatusError 表示源站返回了非 2xx 状态。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// ProxySettings 描述出站 HTTP 代理。
type ProxySettings struct {
	Address  string
	Port     int
	Username string
	Password string
}

// URL 返回 http://[user:pass@]address[:port]。
func (p ProxySettings) URL() *url.URL {
	host := p.Address
	if p.Port > 0 {
		host += ":" + strconv.Itoa(p.Port)
	}
	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" && p.Password != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Task 是发往工作单元的一次抓取请求。
type Task struct {
	URL string
	// Proxy 为空表示直连。
	Proxy *ProxySettings
	// OverrideDNS 为 true 时通过池的 Resolver 解析目标主机并直连该 IP，Host 头保持原值。
	OverrideDNS bool
	Stream      bool
}

// Result 是缓冲模式下的完整响应。
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// Kind 区分工作单元回传的消息类型。
type Kind int

const (
	KindResult Kind = iota
	KindStreamStart
	KindChunk
	KindStreamEnd
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindStreamStart:
		return "stream_start"
	case KindChunk:
		return "chunk"
	case KindStreamEnd:
		return "stream_end"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message 是工作单元与调用方之间的带标签消息。
type Message struct {
	Kind          Kind
	Status        int
	ContentType   string
	ContentLength int64
	Body          []byte
	Err           error
}

func (m Message) terminal() bool {
	return m.Kind == KindResult || m.Kind == KindStreamEnd || m.Kind == KindError
}
