package routes

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/cache"
)

// Statics 是启动时读入内存的首页与图标，缺失时为 nil。
type Statics struct {
	Homepage []byte
	Favicon  []byte
	Assets   string
}

// LoadStatics 从 public 目录读取 index.html、favicon.ico，并定位 assets 子目录。
func LoadStatics(dir string, logger *logrus.Logger) Statics {
	var s Statics
	read := func(name string) []byte {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{"action": "load_statics", "file": name}).
					WithError(err).Warn("static_file_missing")
			}
			return nil
		}
		return data
	}
	s.Homepage = read("index.html")
	s.Favicon = read("favicon.ico")
	if info, err := os.Stat(filepath.Join(dir, "assets")); err == nil && info.IsDir() {
		s.Assets = filepath.Join(dir, "assets")
	}
	return s
}

// RegisterStaticRoutes 注册 /、/favicon.ico 与 /assets。
func RegisterStaticRoutes(app *fiber.App, statics Statics, maxAge time.Duration) {
	if app == nil {
		return
	}
	headers := cache.ResponseHeaders(maxAge)

	app.Get("/", func(c fiber.Ctx) error {
		if statics.Homepage == nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("Service Unavailable")
		}
		for k, v := range headers {
			c.Set(k, v)
		}
		c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
		return c.Send(statics.Homepage)
	})

	app.Get("/favicon.ico", func(c fiber.Ctx) error {
		if statics.Favicon == nil {
			return c.Status(fiber.StatusNotFound).SendString("Not Found")
		}
		for k, v := range headers {
			c.Set(k, v)
		}
		c.Set(fiber.HeaderContentType, "image/x-icon")
		return c.Send(statics.Favicon)
	})

	if statics.Assets != "" {
		app.Use("/assets", static.New(statics.Assets))
	}
}
