package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return newConfigError("port", "必须在 1-65535")
	}

	if err := c.validateCache(); err != nil {
		return err
	}

	p := c.HTTPProxy
	if p.Enabled && strings.TrimSpace(p.Address) == "" {
		return newConfigError("httpProxy.address", "启用代理时不能为空")
	}
	if p.Port < 0 || p.Port > 65535 {
		return newConfigError("httpProxy.port", "必须在 0-65535")
	}
	if (p.Username == "") != (p.Password == "") {
		return newConfigError("httpProxy.username/password", "必须同时提供或同时留空")
	}

	if c.DNS.Enabled && len(c.DNS.Servers) == 0 {
		return newConfigError("dns.servers", "启用 DNS 解析时至少需要一个服务器")
	}

	seen := map[string]struct{}{}
	for i, rule := range c.Proxies {
		if rule.Prefix == "" {
			return newConfigError(ruleField(i, "", "prefix"), "不能为空")
		}
		for _, p := range append([]string{rule.Prefix}, rule.Aliases...) {
			if !strings.HasPrefix(p, "/") {
				return newConfigError(ruleField(i, rule.Prefix, "prefix"), fmt.Sprintf("%q 必须以 / 开头", p))
			}
			if _, exists := seen[p]; exists {
				return newConfigError(ruleField(i, rule.Prefix, "prefix"), fmt.Sprintf("%q 重复", p))
			}
			seen[p] = struct{}{}
		}
		if err := validateTarget(rule.Target); err != nil {
			return fmt.Errorf("%s: %w", ruleField(i, rule.Prefix, "target"), err)
		}
	}

	return nil
}

func (c *Config) validateCache() error {
	cc := c.Cache
	switch cc.Type {
	case "memory", "disk":
	default:
		return newConfigError("cache.type", "仅支持 memory|disk")
	}
	switch cc.Eviction {
	case "lru", "fifo":
	default:
		return newConfigError("cache.eviction", "仅支持 lru|fifo")
	}
	if cc.MaxSize.Bytes() <= 0 {
		return newConfigError("cache.maxSize", "必须大于 0")
	}
	if cc.MinSize.Bytes() < 0 {
		return newConfigError("cache.minSize", "不能为负数")
	}
	if cc.MinPercent < 0 || cc.MinPercent > 100 {
		return newConfigError("cache.minPercent", "必须在 0-100")
	}
	if cc.Type == "disk" && strings.TrimSpace(cc.DiskPath) == "" {
		return newConfigError("cache.diskPath", "磁盘缓存需要目录")
	}
	return nil
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("target 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无法解析 target: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少主机名")
	}
	return nil
}
