package server

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

// ErrRouteNotFound 表示没有任何规则匹配请求路径。
var ErrRouteNotFound = errors.New("route not found")

// RawParam 是切换到重定向模式的保留查询参数。
const RawParam = "raw"

// Rule 是一条已解析的代理规则。
type Rule struct {
	// Config 是配置中的原始规则副本。
	Config config.ProxyRule
	// Target 在构建 Registry 时解析完成。
	Target *url.URL
	// Prefixes 依次为 prefix 与 aliases。
	Prefixes []string
	// UseProxy 是全局代理开关与规则退出选项合并后的结果。
	UseProxy bool
}

// Registry 按声明顺序保存规则，先匹配者胜出。
type Registry struct {
	ordered []*Rule
}

// NewRegistry 根据配置构建规则表，调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{}
	for _, pr := range cfg.Proxies {
		target, err := url.Parse(pr.Target)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("invalid target for rule %s: %q", pr.Prefix, pr.Target)
		}
		prefixes := append([]string{pr.Prefix}, pr.Aliases...)
		registry.ordered = append(registry.ordered, &Rule{
			Config:   pr,
			Target:   target,
			Prefixes: prefixes,
			UseProxy: cfg.UsesProxy(pr),
		})
	}
	return registry, nil
}

// Match 返回第一条 prefix 或 alias 是 path 前缀的规则及命中的前缀。
func (r *Registry) Match(path string) (*Rule, string, bool) {
	if r == nil {
		return nil, "", false
	}
	for _, rule := range r.ordered {
		for _, prefix := range rule.Prefixes {
			if strings.HasPrefix(path, prefix) {
				return rule, prefix, true
			}
		}
	}
	return nil, "", false
}

// List 返回规则副本（按配置顺序），用于 /list 输出。
func (r *Registry) List() []Rule {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]Rule, len(r.ordered))
	for i, rule := range r.ordered {
		result[i] = *rule
	}
	return result
}

// QueryParam 保持原始顺序的查询参数。
type QueryParam struct {
	Key   string
	Value string
}

// DispatchResult 是一次匹配的完整结果。
type DispatchResult struct {
	Rule      *Rule
	Matched   string
	Remainder string
	Sanitized string
	// Query 是去掉 raw 之后的编码查询串，不含 '?'。
	Query     string
	TargetURL string
}

// Dispatch 匹配规则、清洗剩余路径并拼出回源地址。
func (r *Registry) Dispatch(path string, params []QueryParam) (*DispatchResult, error) {
	rule, matched, ok := r.Match(path)
	if !ok {
		return nil, ErrRouteNotFound
	}
	remainder := strings.TrimPrefix(path, matched)
	sanitized := Sanitize(remainder)
	query := EncodeQuery(params)

	target, err := ResolveTarget(rule.Target, sanitized)
	if err != nil {
		return nil, err
	}
	target.RawQuery = query

	return &DispatchResult{
		Rule:      rule,
		Matched:   matched,
		Remainder: remainder,
		Sanitized: sanitized,
		Query:     query,
		TargetURL: target.String(),
	}, nil
}

// RedirectLocation 返回 raw 模式的 302 地址：有模板时替换 {path} 并追加查询参数，否则使用回源地址。
func (d *DispatchResult) RedirectLocation() string {
	tpl := d.Rule.Config.RawRedirect
	if tpl == "" {
		return d.TargetURL
	}
	location := strings.Replace(tpl, "{path}", d.Sanitized, 1)
	if d.Query == "" {
		return location
	}
	if strings.Contains(location, "?") {
		return location + "&" + d.Query
	}
	return location + "?" + d.Query
}

var (
	leadingSlashes  = regexp.MustCompile(`^/+`)
	repeatedSlashes = regexp.MustCompile(`/+`)
)

// Sanitize 去掉开头的斜杠、删除所有 '|'，并把连续斜杠折叠为一个。
func Sanitize(remainder string) string {
	s := leadingSlashes.ReplaceAllString(remainder, "")
	s = strings.ReplaceAll(s, "|", "")
	return repeatedSlashes.ReplaceAllString(s, "/")
}

// ResolveTarget 以相对引用的方式把清洗后的路径解析到 base 上，路径不会被当作 scheme 或 host。
func ResolveTarget(base *url.URL, sanitized string) (*url.URL, error) {
	if sanitized == "" {
		u := *base
		u.Fragment = ""
		return &u, nil
	}
	ref, err := url.Parse("./" + sanitized)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", sanitized, err)
	}
	return base.ResolveReference(ref), nil
}

// EncodeQuery 按原始顺序编码查询参数并跳过 raw。
func EncodeQuery(params []QueryParam) string {
	var b strings.Builder
	for _, p := range params {
		if p.Key == RawParam {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
