package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath 是未指定 -config / MIFENG_CONFIG 时读取的配置文件。
const DefaultPath = "index_config.json"

// DefaultImageTypes 是允许缓存的扩展名默认集合。
var DefaultImageTypes = []string{"png", "jpg", "jpeg", "gif", "svg", "webp", "bmp", "ico"}

// Load 读取并解析 JSON 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), sizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, newConfigError("config", fmt.Sprintf("解析配置失败: %v", err))
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.DiskPath != "" {
		abs, err := filepath.Abs(cfg.Cache.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Cache.DiskPath = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("host", "localhost")
	v.SetDefault("title", "MIFENG CDN")
	v.SetDefault("cache.type", "disk")
	v.SetDefault("cache.maxSize", "1024MB")
	v.SetDefault("cache.minSize", "8MB")
	v.SetDefault("cache.maxTime", "86400S")
	v.SetDefault("cache.diskPath", "./cache")
	v.SetDefault("cache.maxDays", 30)
	v.SetDefault("cache.minPercent", 10)
	v.SetDefault("cache.imageTypes", DefaultImageTypes)
	v.SetDefault("cache.eviction", "lru")
	v.SetDefault("cache.backgroundWrites", 4)
	v.SetDefault("dns.servers", []string{"223.5.5.5", "114.114.114.114"})
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("dns.cacheTTL", 3600)
	v.SetDefault("workers.capacity", 8)
	v.SetDefault("workers.timeout", "30s")
	v.SetDefault("geoip.endpoint", "https://ip9.com.cn/get?ip=%s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.maxSize", 100)
	v.SetDefault("log.maxBackups", 10)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.bufferSize", 2000)
	v.SetDefault("public.dir", "./public")
}

// applyDefaults 兜底处理显式写成 0/空值的字段。
func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	c := &cfg.Cache
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = "disk"
	}
	c.Eviction = strings.ToLower(strings.TrimSpace(c.Eviction))
	if c.Eviction == "" {
		c.Eviction = "lru"
	}
	if c.MaxTime.DurationValue() == 0 {
		c.MaxTime = Duration(24 * time.Hour)
	}
	if c.MaxDays <= 0 {
		c.MaxDays = 30
	}
	if len(c.ImageTypes) == 0 {
		c.ImageTypes = append([]string(nil), DefaultImageTypes...)
	}
	for i, ext := range c.ImageTypes {
		c.ImageTypes[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}
	if c.BackgroundWrites <= 0 {
		c.BackgroundWrites = 4
	}
	if cfg.DNS.Timeout.DurationValue() <= 0 {
		cfg.DNS.Timeout = Duration(5 * time.Second)
	}
	if cfg.DNS.CacheTTL.DurationValue() <= 0 {
		cfg.DNS.CacheTTL = Duration(time.Hour)
	}
	if cfg.Workers.Capacity <= 0 {
		cfg.Workers.Capacity = 8
	}
	if cfg.Workers.Timeout.DurationValue() <= 0 {
		cfg.Workers.Timeout = Duration(30 * time.Second)
	}
	if cfg.Log.BufferSize <= 0 {
		cfg.Log.BufferSize = 2000
	}
	for i := range cfg.Proxies {
		cfg.Proxies[i].Prefix = strings.TrimSpace(cfg.Proxies[i].Prefix)
		cfg.Proxies[i].Target = strings.TrimSpace(cfg.Proxies[i].Target)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseDuration(v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func sizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Size(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseSize(v)
		case int:
			return Size(v), nil
		case int64:
			return Size(v), nil
		case float64:
			if v < 0 {
				return nil, fmt.Errorf("大小不能为负数: %v", v)
			}
			return Size(int64(v)), nil
		case Size:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Size 类型: %T", v)
		}
	}
}
