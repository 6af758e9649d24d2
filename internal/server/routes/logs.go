package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/mifeng-cdn/mifeng/internal/logging"
)

// RegisterLogRoute 以纯文本输出内存中的最近日志。
func RegisterLogRoute(app *fiber.App, ring *logging.Ring) {
	if app == nil || ring == nil {
		return
	}
	app.Get("/logs", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
		return c.SendString(ring.String())
	})
}
