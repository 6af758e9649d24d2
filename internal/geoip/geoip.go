// Package geoip looks up the rough location of client addresses for the
// access log. Lookups run off the request path and never change a response.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mifeng-cdn/mifeng/internal/fifo"
)

const (
	// DefaultEndpoint 的 %s 会被替换为查询的 IP。
	DefaultEndpoint = "https://ip9.com.cn/get?ip=%s"
	lookupTimeout   = 5 * time.Second
	// maxInflight 限制同时进行的后台查询数，超出时跳过归属地查询。
	maxInflight = 16
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36"
)

// Location 对应查询接口 data 字段。
type Location struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Prov    string `json:"prov"`
	City    string `json:"city"`
	Area    string `json:"area"`
	ISP     string `json:"isp"`
}

// Region 拼接省市区，便于日志展示。
func (l Location) Region() string {
	return l.Prov + l.City + l.Area
}

type apiResponse struct {
	Ret  int       `json:"ret"`
	Data *Location `json:"data"`
}

// Locator 带 FIFO 缓存的归属地查询器。
type Locator struct {
	endpoint string
	client   *http.Client
	cache    *fifo.Cache[Location]
	sem      *semaphore.Weighted
	logger   *logrus.Logger
}

// New 构建查询器；client 为空时使用带超时的默认客户端。
func New(endpoint string, client *http.Client, logger *logrus.Logger) *Locator {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: lookupTimeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Locator{
		endpoint: endpoint,
		client:   client,
		cache:    fifo.New[Location](fifo.DefaultCapacity, 0),
		sem:      semaphore.NewWeighted(maxInflight),
		logger:   logger,
	}
}

// Lookup 查询 ip 的归属地，成功结果进入缓存。
func (l *Locator) Lookup(ctx context.Context, ip string) (Location, error) {
	if loc, ok := l.cache.Get(ip); ok {
		return loc, nil
	}

	target := l.endpoint
	if strings.Contains(target, "%s") {
		target = fmt.Sprintf(target, url.QueryEscape(ip))
	} else {
		target += url.QueryEscape(ip)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Location{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return Location{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geoip status %d", resp.StatusCode)
	}
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("decode geoip response: %w", err)
	}
	if body.Ret != http.StatusOK || body.Data == nil {
		return Location{}, fmt.Errorf("geoip unexpected payload ret=%d", body.Ret)
	}

	l.cache.Set(ip, *body.Data)
	return *body.Data, nil
}

// LogAsync 在后台查询并记录一条访问日志，失败只记 debug；返回查询是否被接受。
func (l *Locator) LogAsync(ip string, fields logrus.Fields) bool {
	if l == nil || ip == "" {
		return false
	}
	if !l.sem.TryAcquire(1) {
		l.logger.WithFields(fields).WithField("client_ip", ip).Debug("geoip_lookup_skipped")
		return false
	}
	go func() {
		defer l.sem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		loc, err := l.Lookup(ctx, ip)
		entry := l.logger.WithFields(fields).WithField("client_ip", ip)
		if err != nil {
			entry.WithError(err).Debug("geoip_lookup_failed")
			return
		}
		entry.WithFields(logrus.Fields{
			"country": loc.Country,
			"region":  loc.Region(),
			"isp":     loc.ISP,
		}).Info("client_location")
	}()
	return true
}

// ClientIP 依次取 X-Forwarded-For 第一段、X-Real-IP、连接地址。
func ClientIP(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "::ffff:")
	if host == "" {
		return "127.0.0.1"
	}
	return host
}
