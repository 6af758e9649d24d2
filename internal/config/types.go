package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration 兼容 "86400S" 秒后缀、Go Duration 字符串（"30s"、"5m"）以及纯数字秒值。
type Duration time.Duration

var secondsLiteral = regexp.MustCompile(`^(\d+)[sS]$`)

// UnmarshalText 使 Viper/mapstructure 可以识别上述几种写法。
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Seconds 返回整秒数，用于 max-age 等头部。
func (d Duration) Seconds() int64 {
	return int64(time.Duration(d) / time.Second)
}

// ParseDuration 解析配置中的时间字面量。
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if m := secondsLiteral.FindStringSubmatch(raw); m != nil {
		seconds, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value: %s", raw)
		}
		return Duration(time.Duration(seconds) * time.Second), nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return Duration(parsed), nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(seconds * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %s", raw)
}

// Size 表示字节数，支持 "8MB"、"1024KB"、"1048576B" 或纯数字。
type Size int64

var sizeLiteral = regexp.MustCompile(`^(?i)(\d+)(MB|KB|B)$`)

var sizeMultipliers = map[string]int64{
	"B":  1,
	"KB": 1024,
	"MB": 1024 * 1024,
}

// UnmarshalText 解析大小字面量。
func (s *Size) UnmarshalText(text []byte) error {
	parsed, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Bytes 返回 int64 字节数。
func (s Size) Bytes() int64 {
	return int64(s)
}

// ParseSize 解析配置中的大小字面量。
func ParseSize(raw string) (Size, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if m := sizeLiteral.FindStringSubmatch(raw); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size value: %s", raw)
		}
		return Size(n * sizeMultipliers[strings.ToUpper(m[2])]), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return Size(n), nil
	}
	return 0, fmt.Errorf("invalid size value: %s (expected e.g. 8MB, 1024KB, 1048576B)", raw)
}

// ProxyRule 描述一条前缀 → 源站的映射。
type ProxyRule struct {
	Prefix      string   `mapstructure:"prefix" yaml:"prefix"`
	Aliases     []string `mapstructure:"aliases" yaml:"aliases,omitempty"`
	Target      string   `mapstructure:"target" yaml:"target"`
	UseProxy    *bool    `mapstructure:"useProxy" yaml:"useProxy,omitempty"`
	Visible     *bool    `mapstructure:"visible" yaml:"visible,omitempty"`
	RawRedirect string   `mapstructure:"rawRedirect" yaml:"rawRedirect,omitempty"`
	Description string   `mapstructure:"description" yaml:"description,omitempty"`
}

// AllowsProxy 未显式关闭时默认走全局出站代理。
func (r ProxyRule) AllowsProxy() bool {
	return r.UseProxy == nil || *r.UseProxy
}

// IsVisible 未显式隐藏时在 /list 中展示。
func (r ProxyRule) IsVisible() bool {
	return r.Visible == nil || *r.Visible
}

// CacheConfig 控制缓存后端、容量与淘汰策略。
type CacheConfig struct {
	Enabled          *bool    `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Type             string   `mapstructure:"type" yaml:"type"`
	MaxSize          Size     `mapstructure:"maxSize" yaml:"maxSize"`
	MinSize          Size     `mapstructure:"minSize" yaml:"minSize"`
	MaxTime          Duration `mapstructure:"maxTime" yaml:"maxTime"`
	DiskPath         string   `mapstructure:"diskPath" yaml:"diskPath"`
	MaxDays          int      `mapstructure:"maxDays" yaml:"maxDays"`
	MinPercent       int      `mapstructure:"minPercent" yaml:"minPercent"`
	ImageTypes       []string `mapstructure:"imageTypes" yaml:"imageTypes"`
	Eviction         string   `mapstructure:"eviction" yaml:"eviction"`
	BackgroundWrites int      `mapstructure:"backgroundWrites" yaml:"backgroundWrites"`
}

// IsEnabled 未显式关闭时启用缓存。
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HTTPProxyConfig 描述全局出站 HTTP 代理。
type HTTPProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Address  string `mapstructure:"address" yaml:"address,omitempty"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// HasCredentials 表示是否配置了完整的 Basic 认证信息。
func (p HTTPProxyConfig) HasCredentials() bool {
	return p.Username != "" && p.Password != ""
}

// HostPort 返回 address[:port]。
func (p HTTPProxyConfig) HostPort() string {
	if p.Port > 0 {
		return fmt.Sprintf("%s:%d", p.Address, p.Port)
	}
	return p.Address
}

// DNSConfig 描述 DNS 覆盖解析。
type DNSConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Servers      []string `mapstructure:"servers" yaml:"servers"`
	Timeout      Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheEnabled *bool    `mapstructure:"cacheEnabled" yaml:"cacheEnabled,omitempty"`
	CacheTTL     Duration `mapstructure:"cacheTTL" yaml:"cacheTTL"`
}

// IsCacheEnabled 未显式关闭时缓存解析结果。
func (d DNSConfig) IsCacheEnabled() bool {
	return d.CacheEnabled == nil || *d.CacheEnabled
}

// StreamingConfig 控制回源响应是否边下边发。
type StreamingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// WorkerConfig 控制下载工作池。
type WorkerConfig struct {
	Capacity int      `mapstructure:"capacity" yaml:"capacity"`
	Timeout  Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GeoIPConfig 控制访问日志中的 IP 归属地查询。
type GeoIPConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// LogConfig 描述日志输出与滚动策略。
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	FilePath   string `mapstructure:"filePath" yaml:"filePath,omitempty"`
	MaxSize    int    `mapstructure:"maxSize" yaml:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	BufferSize int    `mapstructure:"bufferSize" yaml:"bufferSize"`
}

// PublicConfig 指向首页/图标/静态资源目录。
type PublicConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Config 是 JSON 配置文件映射的整体结构，启动时加载一次后只读。
type Config struct {
	Port          int             `mapstructure:"port" yaml:"port"`
	Host          string          `mapstructure:"host" yaml:"host"`
	Title         string          `mapstructure:"title" yaml:"title"`
	Description   string          `mapstructure:"description" yaml:"description"`
	Footer        string          `mapstructure:"footer" yaml:"footer"`
	EstablishTime string          `mapstructure:"establishTime" yaml:"establishTime,omitempty"`
	Proxies       []ProxyRule     `mapstructure:"proxies" yaml:"proxies"`
	Cache         CacheConfig     `mapstructure:"cache" yaml:"cache"`
	HTTPProxy     HTTPProxyConfig `mapstructure:"httpProxy" yaml:"httpProxy"`
	DNS           DNSConfig       `mapstructure:"dns" yaml:"dns"`
	Streaming     StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
	Workers       WorkerConfig    `mapstructure:"workers" yaml:"workers"`
	GeoIP         GeoIPConfig     `mapstructure:"geoip" yaml:"geoip"`
	Log           LogConfig       `mapstructure:"log" yaml:"log"`
	Public        PublicConfig    `mapstructure:"public" yaml:"public"`
}

// UsesProxy 计算规则最终是否走出站代理：全局开启且规则未退出。
func (c *Config) UsesProxy(rule ProxyRule) bool {
	return c.HTTPProxy.Enabled && rule.AllowsProxy()
}

// Masked 返回隐藏了代理密码的副本，用于日志或 -print-config 输出。
func (c Config) Masked() Config {
	if c.HTTPProxy.Password != "" {
		c.HTTPProxy.Password = "****"
	}
	return c
}

// MarshalYAML 以 Go Duration 字符串形式输出，便于 -print-config 阅读。
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// String 以最大整除单位输出，例如 8MB。
func (s Size) String() string {
	n := int64(s)
	switch {
	case n > 0 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dMB", n/(1024*1024))
	case n > 0 && n%1024 == 0:
		return fmt.Sprintf("%dKB", n/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// MarshalYAML 输出可回读的大小字面量。
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// LogMaxSizeOrDefault 返回单个日志文件的 MB 上限，未配置时为 100。
func (l LogConfig) LogMaxSizeOrDefault() int {
	if l.MaxSize <= 0 {
		return 100
	}
	return l.MaxSize
}
