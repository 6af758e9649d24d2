package routes

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/mifeng-cdn/mifeng/internal/cache"
	"github.com/mifeng-cdn/mifeng/internal/config"
	"github.com/mifeng-cdn/mifeng/internal/download"
	"github.com/mifeng-cdn/mifeng/internal/server"
	"github.com/mifeng-cdn/mifeng/internal/version"
)

// StatusEndpoint 是服务状态 JSON 的路径。
const StatusEndpoint = "/list"

// StatusDeps 汇总 /list 所需的只读依赖，Cache/Pool 可为空。
type StatusDeps struct {
	Config   *config.Config
	Registry *server.Registry
	Cache    *cache.Cache
	Pool     *download.Pool
	Started  time.Time
	// Now 为空时使用 time.Now。
	Now func() time.Time
}

type statusPayload struct {
	State       string          `json:"服务状态"`
	Version     string          `json:"版本信息"`
	Uptime      string          `json:"运行时间"`
	Established string          `json:"建站时间"`
	CacheDays   string          `json:"缓存时间"`
	Service     servicePayload  `json:"服务配置"`
	Proxy       proxyPayload    `json:"代理服务器"`
	Rules       []rulePayload   `json:"代理配置"`
	Cache       *cachePayload   `json:"缓存状态,omitempty"`
	Workers     *download.Stats `json:"下载线程,omitempty"`
	Process     processPayload  `json:"进程信息"`
}

type servicePayload struct {
	Title       string `json:"服务名称"`
	Description string `json:"服务描述"`
	Footer      string `json:"页脚信息"`
}

type proxyPayload struct {
	State   string `json:"启用状态"`
	Address string `json:"代理地址,omitempty"`
	Auth    string `json:"认证信息,omitempty"`
}

type rulePayload struct {
	Prefix      string         `json:"代理路径"`
	Aliases     []string       `json:"路径别名,omitempty"`
	Target      string         `json:"目标地址"`
	Description string         `json:"代理说明"`
	RawRedirect string         `json:"重定向模板"`
	UseProxy    string         `json:"使用代理"`
	Examples    examplePayload `json:"使用示例"`
}

type examplePayload struct {
	Proxy    string `json:"代理访问"`
	Redirect string `json:"直接重定向"`
}

type cachePayload struct {
	Type    string `json:"类型"`
	Entries int    `json:"条目数"`
	Bytes   int64  `json:"占用字节"`
	MaxSize string `json:"容量上限"`
}

type processPayload struct {
	Started string `json:"启动时间"`
	Running string `json:"进程运行"`
}

// RegisterStatusRoute 暴露 /list，输出服务配置、可见规则以及缓存/工作池快照。
func RegisterStatusRoute(app *fiber.App, deps StatusDeps) {
	if app == nil || deps.Config == nil {
		return
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	headers := cache.ResponseHeaders(deps.Config.Cache.MaxTime.DurationValue())

	app.Get(StatusEndpoint, func(c fiber.Ctx) error {
		base := c.Scheme() + "://" + c.Host()
		payload := buildStatus(deps, base)
		for k, v := range headers {
			c.Set(k, v)
		}
		c.Set(fiber.HeaderContentType, "application/json; charset=utf-8")
		return c.JSON(payload, "application/json; charset=utf-8")
	})
}

func buildStatus(deps StatusDeps, base string) statusPayload {
	cfg := deps.Config
	now := deps.Now()
	maxAge := cfg.Cache.MaxTime.DurationValue()

	payload := statusPayload{
		State:       "运行中",
		Version:     version.Full(),
		Uptime:      CalculateUptime(cfg.EstablishTime, now),
		Established: FormatEstablishTime(cfg.EstablishTime),
		CacheDays:   fmt.Sprintf("%d天", int64(maxAge/(24*time.Hour))),
		Service: servicePayload{
			Title:       cfg.Title,
			Description: cfg.Description,
			Footer:      cfg.Footer,
		},
		Proxy: proxyPayload{State: "未启用"},
		Process: processPayload{
			Started: deps.Started.Format(time.RFC3339),
			Running: now.Sub(deps.Started).Truncate(time.Second).String(),
		},
	}
	if p := cfg.HTTPProxy; p.Enabled {
		payload.Proxy = proxyPayload{State: "已启用", Address: p.HostPort(), Auth: "未配置"}
		if p.Username != "" {
			payload.Proxy.Auth = "已配置"
		}
	}

	for _, rule := range deps.Registry.List() {
		rc := rule.Config
		if !rc.IsVisible() {
			continue
		}
		item := rulePayload{
			Prefix:      rc.Prefix,
			Aliases:     rc.Aliases,
			Target:      rc.Target,
			Description: rc.Description,
			RawRedirect: rc.RawRedirect,
			UseProxy:    "否",
			Examples: examplePayload{
				Proxy:    base + rc.Prefix,
				Redirect: base + rc.Prefix + "?raw=true",
			},
		}
		if item.Description == "" {
			item.Description = "未提供描述"
		}
		if item.RawRedirect == "" {
			item.RawRedirect = "使用默认目标URL"
		}
		if rc.AllowsProxy() {
			item.UseProxy = "是"
		}
		payload.Rules = append(payload.Rules, item)
	}

	if deps.Cache != nil {
		payload.Cache = &cachePayload{
			Type:    cfg.Cache.Type,
			Entries: deps.Cache.Len(),
			Bytes:   deps.Cache.Size(),
			MaxSize: cfg.Cache.MaxSize.String(),
		}
	}
	if deps.Pool != nil {
		stats := deps.Pool.Stats()
		payload.Workers = &stats
	}
	return payload
}

// parseEstablishTime 解析 YYYY/MM/DD/HH/mm 格式的建站时间。
func parseEstablishTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006/1/2/15/4", raw, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CalculateUptime 返回自建站时间起的 X天X小时X分钟。
func CalculateUptime(establish string, now time.Time) string {
	start, ok := parseEstablishTime(establish)
	if !ok {
		return "未设置建站时间"
	}
	diff := now.Sub(start)
	if diff < 0 {
		diff = 0
	}
	days := int64(diff / (24 * time.Hour))
	hours := int64(diff%(24*time.Hour)) / int64(time.Hour)
	minutes := int64(diff%time.Hour) / int64(time.Minute)

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%d天", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%d小时", hours)
	}
	fmt.Fprintf(&b, "%d分钟", minutes)
	return b.String()
}

// FormatEstablishTime 输出 YYYY年M月D日H时m分。
func FormatEstablishTime(establish string) string {
	t, ok := parseEstablishTime(establish)
	if !ok {
		return "未设置"
	}
	return fmt.Sprintf("%d年%d月%d日%d时%d分", t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute())
}
