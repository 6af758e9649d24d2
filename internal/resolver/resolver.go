// Package resolver implements the DNS override consulted before every
// outbound fetch: an A-record query against the first configured server,
// cached for cacheTTL in a bounded FIFO map, falling back to the system
// resolver when the server fails or returns no A record.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/config"
	"github.com/mifeng-cdn/mifeng/internal/fifo"
)

// Resolver 满足 download 包所需的 Resolve(ctx, host) 窄接口。
type Resolver struct {
	server  string
	timeout time.Duration
	cache   *fifo.Cache[string]
	logger  *logrus.Logger
	// lookup 是系统解析回退，测试可替换。
	lookup func(ctx context.Context, host string) ([]string, error)
}

// New 根据配置构建解析器；未启用时返回 nil，调用方据此跳过覆盖解析。
func New(cfg config.DNSConfig, logger *logrus.Logger) *Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Resolver{
		server:  serverAddress(cfg.Servers[0]),
		timeout: cfg.Timeout.DurationValue(),
		logger:  logger,
		lookup:  net.DefaultResolver.LookupHost,
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if cfg.IsCacheEnabled() {
		r.cache = fifo.New[string](fifo.DefaultCapacity, cfg.CacheTTL.DurationValue())
	}
	logger.WithFields(logrus.Fields{
		"action":  "dns_init",
		"server":  r.server,
		"cache":   r.cache != nil,
		"timeout": r.timeout.String(),
	}).Info("dns resolver enabled")
	return r
}

// serverAddress 补全默认 53 端口。
func serverAddress(raw string) string {
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw
	}
	return net.JoinHostPort(raw, "53")
}

// Resolve 返回 host 的 IPv4 地址；IP 字面量原样返回，解析全部失败时返回 false。
func (r *Resolver) Resolve(ctx context.Context, host string) (string, bool) {
	if r == nil || host == "" {
		return "", false
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, true
	}
	if r.cache != nil {
		if ip, ok := r.cache.Get(host); ok {
			r.logger.WithFields(logrus.Fields{"action": "dns_resolve", "host": host, "ip": ip}).Debug("dns_cache_hit")
			return ip, true
		}
	}

	ip, err := r.query(ctx, host)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"action": "dns_resolve", "host": host, "server": r.server}).
			WithError(err).Warn("dns_query_failed")
		ip, err = r.fallback(ctx, host)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"action": "dns_resolve", "host": host}).
				WithError(err).Warn("dns_fallback_failed")
			return "", false
		}
	}

	if r.cache != nil {
		r.cache.Set(host, ip)
	}
	r.logger.WithFields(logrus.Fields{"action": "dns_resolve", "host": host, "ip": ip}).Debug("dns_resolved")
	return ip, true
}

func (r *Resolver) query(ctx context.Context, host string) (string, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := &dns.Client{
		Timeout: r.timeout,
		Net:     "udp",
	}
	resp, _, err := c.ExchangeContext(ctx, req, r.server)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return "", errors.New("dns query unsuccessful")
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("no A record for %s", host)
}

func (r *Resolver) fallback(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return "", fmt.Errorf("no address for %s", host)
}
