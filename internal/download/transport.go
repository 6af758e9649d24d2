package download

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// route 携带单次请求的出站代理与 DNS 覆盖，通过 context 传给共享 Transport。
type route struct {
	proxy *url.URL
	host  string
	ip    string
}

type routeKey struct{}

func withRoute(ctx context.Context, r *route) context.Context {
	return context.WithValue(ctx, routeKey{}, r)
}

func routeFrom(ctx context.Context) *route {
	r, _ := ctx.Value(routeKey{}).(*route)
	return r
}

// newTransport 返回所有工作单元共享的 Transport：长连接复用，按请求选择代理与拨号地址。
// 源站证书校验被有意关闭。
func newTransport(headerTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if r := routeFrom(req.Context()); r != nil && r.proxy != nil {
				return r.proxy, nil
			}
			return nil, nil
		},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if r := routeFrom(ctx); r != nil && r.ip != "" && r.proxy == nil {
				if host, port, err := net.SplitHostPort(addr); err == nil && strings.EqualFold(host, r.host) {
					addr = net.JoinHostPort(r.ip, port)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}
}
