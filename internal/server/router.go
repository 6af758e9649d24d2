package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 负责处理已匹配规则的请求，测试中可以注入假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *DispatchResult) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *DispatchResult) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, result *DispatchResult) error {
	return f(c, result)
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *Registry
	Proxy    ProxyHandler
	// Reserved 在兜底路由之前注册 /list、/logs 等保留接口。
	Reserved func(app *fiber.App)
}

const contextKeyRequestID = "_mifeng_request_id"

// NewApp builds a Fiber application with request-id middleware, the reserved
// endpoints and a catch-all that dispatches every other path.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("rule registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	// 路径会作为缓存 key 长期保存，并在 handler 返回后继续使用，不能指向复用的请求缓冲区。
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		Immutable:     true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware)

	if opts.Reserved != nil {
		opts.Reserved(app)
	}

	app.All("/*", func(c fiber.Ctx) error {
		path := strings.Clone(c.Path())
		result, err := opts.Registry.Dispatch(path, QueryParams(c))
		if err != nil {
			return renderRouteNotFound(c, opts.Logger, path, err)
		}
		return opts.Proxy.Handle(c, result)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与 X-Request-ID 头。
func requestIDMiddleware(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(contextKeyRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

func renderRouteNotFound(c fiber.Ctx, logger *logrus.Logger, path string, err error) error {
	fields := logrus.Fields{
		"action":     "dispatch",
		"path":       path,
		"request_id": RequestID(c),
	}
	if !errors.Is(err, ErrRouteNotFound) {
		logger.WithFields(fields).WithError(err).Warn("dispatch_failed")
		return c.Status(fiber.StatusInternalServerError).SendString("Internal Server Error")
	}
	logger.WithFields(fields).Info("route_unmatched")
	return c.Status(fiber.StatusNotFound).SendString("Not Found")
}

// QueryParams 按原始顺序读取查询参数。
func QueryParams(c fiber.Ctx) []QueryParam {
	var params []QueryParam
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		params = append(params, QueryParam{Key: string(key), Value: string(value)})
	})
	return params
}

// IsRaw 判断请求是否带 raw=true。
func IsRaw(c fiber.Ctx) bool {
	return string(c.Request().URI().QueryArgs().Peek(RawParam)) == "true"
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
