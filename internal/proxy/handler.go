package proxy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/cache"
	"github.com/mifeng-cdn/mifeng/internal/config"
	"github.com/mifeng-cdn/mifeng/internal/download"
	"github.com/mifeng-cdn/mifeng/internal/geoip"
	"github.com/mifeng-cdn/mifeng/internal/logging"
	"github.com/mifeng-cdn/mifeng/internal/server"
)

// Downloader 抽象下载工作池，测试中可以替换。
type Downloader interface {
	Download(ctx context.Context, task download.Task) (*download.Result, error)
	DownloadStream(ctx context.Context, task download.Task) (*download.Stream, error)
}

// Options 汇总 Handler 的依赖，Cache/Writer/Locator 均可为空。
type Options struct {
	Config  *config.Config
	Cache   *cache.Cache
	Writer  *cache.BackgroundWriter
	Pool    Downloader
	Locator *geoip.Locator
	Logger  *logrus.Logger
}

// Handler 负责 raw 重定向、缓存命中与回源，并在回源成功后写入缓存。
type Handler struct {
	cfg     *config.Config
	cache   *cache.Cache
	writer  *cache.BackgroundWriter
	pool    Downloader
	locator *geoip.Locator
	logger  *logrus.Logger
	maxAge  time.Duration
}

// NewHandler constructs a proxy handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("download pool is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		cfg:     opts.Config,
		cache:   opts.Cache,
		writer:  opts.Writer,
		pool:    opts.Pool,
		locator: opts.Locator,
		logger:  logger,
		maxAge:  opts.Config.Cache.MaxTime.DurationValue(),
	}, nil
}

// Handle 实现 server.ProxyHandler；处理函数内的 panic 统一转换为 500。
func (h *Handler) Handle(c fiber.Ctx, result *server.DispatchResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"action":     "proxy",
				"path":       c.Path(),
				"request_id": server.RequestID(c),
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			}).Error("proxy_handler_panic")
			err = internalError(c)
		}
	}()
	return h.handle(c, result)
}

func (h *Handler) handle(c fiber.Ctx, result *server.DispatchResult) error {
	started := time.Now()
	requestID := server.RequestID(c)
	key := strings.Clone(c.Path())

	h.logAccess(c, result, key, requestID)

	if server.IsRaw(c) {
		location := result.RedirectLocation()
		h.logger.WithFields(logging.RequestFields(result.Matched, key, location, requestID, false)).
			WithField("action", "proxy").Info("proxy_raw_redirect")
		c.Set(fiber.HeaderLocation, location)
		return c.SendStatus(fiber.StatusFound)
	}

	if obj, ok := h.lookupCache(c, key, requestID); ok {
		return h.serveCache(c, result, obj, requestID, started)
	}

	task := h.buildTask(result)
	if h.cfg.Streaming.Enabled {
		return h.streamFromUpstream(c, result, task, key, requestID, started)
	}
	return h.fetchAndServe(c, result, task, key, requestID, started)
}

func (h *Handler) lookupCache(c fiber.Ctx, key, requestID string) (*cache.Object, bool) {
	if h.cache == nil {
		return nil, false
	}
	obj, err := h.cache.Get(requestContext(c), key)
	if err == nil {
		return obj, true
	}
	var ioErr *cache.IOError
	if errors.As(err, &ioErr) {
		h.logger.WithFields(logrus.Fields{
			"action":     "cache_lookup",
			"key":        key,
			"request_id": requestID,
		}).WithError(err).Warn("cache_read_failed")
	}
	return nil, false
}

func (h *Handler) serveCache(
	c fiber.Ctx,
	result *server.DispatchResult,
	obj *cache.Object,
	requestID string,
	started time.Time,
) error {
	h.applyHeaders(c, obj.Entry.ContentType, true)
	h.logResult(result, obj.Entry.Key, requestID, true, fiber.StatusOK, len(obj.Data), started, nil)
	return c.Status(fiber.StatusOK).Send(obj.Data)
}

// fetchAndServe 缓冲模式：完整下载后同步写缓存，再一次性返回。
func (h *Handler) fetchAndServe(
	c fiber.Ctx,
	result *server.DispatchResult,
	task download.Task,
	key, requestID string,
	started time.Time,
) error {
	res, err := h.pool.Download(requestContext(c), task)
	if err != nil {
		h.logResult(result, key, requestID, false, statusOf(err), 0, started, err)
		return internalError(c)
	}

	if h.cache.IsCacheable(cache.Extension(key), int64(len(res.Body))) {
		if _, err := h.cache.Put(requestContext(c), key, res.Body, res.ContentType); err != nil {
			h.logger.WithFields(logrus.Fields{
				"action":     "cache_write",
				"key":        key,
				"request_id": requestID,
			}).WithError(err).Warn("cache_write_failed")
		}
	}

	h.applyHeaders(c, res.ContentType, false)
	h.logResult(result, key, requestID, false, res.Status, len(res.Body), started, nil)
	return c.Status(res.Status).Send(res.Body)
}

func (h *Handler) buildTask(result *server.DispatchResult) download.Task {
	task := download.Task{
		URL:         result.TargetURL,
		OverrideDNS: h.cfg.DNS.Enabled,
	}
	if result.Rule.UseProxy {
		p := h.cfg.HTTPProxy
		task.Proxy = &download.ProxySettings{
			Address:  p.Address,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
		}
	}
	return task
}

func (h *Handler) applyHeaders(c fiber.Ctx, contentType string, hit bool) {
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	for k, v := range cache.ResponseHeaders(h.maxAge) {
		c.Set(k, v)
	}
	if hit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
}

func (h *Handler) logAccess(c fiber.Ctx, result *server.DispatchResult, key, requestID string) {
	fields := logging.RequestFields(result.Matched, key, result.TargetURL, requestID, false)
	fields["action"] = "proxy"
	h.logger.WithFields(fields).Debug("proxy_request")

	if h.locator == nil {
		return
	}
	// LogAsync 在请求结束后仍持有 ip，需脱离请求缓冲区。
	ip := strings.Clone(geoip.ClientIP(
		c.Get(fiber.HeaderXForwardedFor),
		c.Get("X-Real-IP"),
		c.RequestCtx().RemoteAddr().String(),
	))
	h.locator.LogAsync(ip, logrus.Fields{
		"action":     "access",
		"path":       key,
		"request_id": requestID,
	})
}

func (h *Handler) logResult(
	result *server.DispatchResult,
	key, requestID string,
	hit bool,
	status, bytes int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(result.Matched, key, result.TargetURL, requestID, hit)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["bytes"] = bytes
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func statusOf(err error) int {
	var statusErr *download.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

func internalError(c fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).SendString("Internal Server Error")
}
