package resolver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

// startDNSServer 启动一个进程内 UDP DNS 服务器，answers 为 host → IP，缺失的 host 返回 NXDOMAIN。
func startDNSServer(t *testing.T, answers map[string]string) (string, *int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var queries int32
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			atomic.AddInt32(&queries, 1)
			m := new(dns.Msg)
			m.SetReply(req)
			name := req.Question[0].Name
			if ip, ok := answers[name]; ok {
				rr, err := dns.NewRR(name + " 60 IN A " + ip)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String(), &queries
}

func newTestResolver(t *testing.T, server string, cacheEnabled bool) *Resolver {
	t.Helper()
	r := New(config.DNSConfig{
		Enabled:      true,
		Servers:      []string{server},
		Timeout:      config.Duration(time.Second),
		CacheEnabled: &cacheEnabled,
		CacheTTL:     config.Duration(time.Hour),
	}, nil)
	require.NotNil(t, r)
	return r
}

func TestResolveQueriesServerAndCaches(t *testing.T) {
	addr, queries := startDNSServer(t, map[string]string{"img.example.com.": "10.1.2.3"})
	r := newTestResolver(t, addr, true)

	ip, ok := r.Resolve(context.Background(), "img.example.com")
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", ip)

	ip, ok = r.Resolve(context.Background(), "img.example.com")
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", ip)
	assert.EqualValues(t, 1, atomic.LoadInt32(queries), "second lookup should hit the cache")
}

func TestResolveWithoutCache(t *testing.T) {
	addr, queries := startDNSServer(t, map[string]string{"img.example.com.": "10.1.2.3"})
	r := newTestResolver(t, addr, false)

	for i := 0; i < 3; i++ {
		_, ok := r.Resolve(context.Background(), "img.example.com")
		require.True(t, ok)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(queries))
}

func TestResolveFallsBackToSystemLookup(t *testing.T) {
	addr, _ := startDNSServer(t, nil)
	r := newTestResolver(t, addr, true)
	r.lookup = func(ctx context.Context, host string) ([]string, error) {
		return []string{"::1", "192.0.2.10"}, nil
	}

	ip, ok := r.Resolve(context.Background(), "missing.example.com")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", ip, "IPv4 preferred")
}

func TestResolveFailure(t *testing.T) {
	addr, _ := startDNSServer(t, nil)
	r := newTestResolver(t, addr, true)
	r.lookup = func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}

	_, ok := r.Resolve(context.Background(), "missing.example.com")
	assert.False(t, ok)
}

func TestResolveIPLiteral(t *testing.T) {
	addr, queries := startDNSServer(t, nil)
	r := newTestResolver(t, addr, true)

	ip, ok := r.Resolve(context.Background(), "203.0.113.7")
	assert.True(t, ok)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Zero(t, atomic.LoadInt32(queries))
}

func TestNewDisabled(t *testing.T) {
	assert.Nil(t, New(config.DNSConfig{Enabled: false, Servers: []string{"1.1.1.1"}}, nil))

	var r *Resolver
	_, ok := r.Resolve(context.Background(), "example.com")
	assert.False(t, ok)
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "223.5.5.5:53", serverAddress("223.5.5.5"))
	assert.Equal(t, "127.0.0.1:5353", serverAddress("127.0.0.1:5353"))
}
