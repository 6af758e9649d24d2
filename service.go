package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/cache"
	"github.com/mifeng-cdn/mifeng/internal/config"
	"github.com/mifeng-cdn/mifeng/internal/download"
	"github.com/mifeng-cdn/mifeng/internal/geoip"
	"github.com/mifeng-cdn/mifeng/internal/logging"
	"github.com/mifeng-cdn/mifeng/internal/proxy"
	"github.com/mifeng-cdn/mifeng/internal/resolver"
	"github.com/mifeng-cdn/mifeng/internal/server"
	"github.com/mifeng-cdn/mifeng/internal/server/routes"
)

// service 持有进程内共享的组件，关闭顺序由 close 决定。
type service struct {
	app    *fiber.App
	cache  *cache.Cache
	writer *cache.BackgroundWriter
	pool   *download.Pool
	logger *logrus.Logger
}

func newService(cfg *config.Config, logger *logrus.Logger, ring *logging.Ring) (*service, error) {
	var (
		store *cache.Cache
		err   error
	)
	if cfg.Cache.IsEnabled() {
		store, err = cache.New(cache.OptionsFromConfig(cfg.Cache, logger))
		if err != nil {
			return nil, err
		}
	}
	writer := cache.NewBackgroundWriter(store, cfg.Cache.BackgroundWrites, logger)

	poolOpts := download.Options{
		Capacity: cfg.Workers.Capacity,
		Timeout:  cfg.Workers.Timeout.DurationValue(),
		Logger:   logger,
	}
	if r := resolver.New(cfg.DNS, logger); r != nil {
		poolOpts.Resolver = r
	}
	pool := download.NewPool(poolOpts)

	var locator *geoip.Locator
	if cfg.GeoIP.Enabled {
		locator = geoip.New(cfg.GeoIP.Endpoint, nil, logger)
	}

	registry, err := server.NewRegistry(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Config:  cfg,
		Cache:   store,
		Writer:  writer,
		Pool:    pool,
		Locator: locator,
		Logger:  logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	started := time.Now()
	statics := routes.LoadStatics(cfg.Public.Dir, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy:    handler,
		Reserved: func(app *fiber.App) {
			routes.RegisterStatusRoute(app, routes.StatusDeps{
				Config:   cfg,
				Registry: registry,
				Cache:    store,
				Pool:     pool,
				Started:  started,
			})
			routes.RegisterLogRoute(app, ring)
			routes.RegisterStaticRoutes(app, statics, cfg.Cache.MaxTime.DurationValue())
		},
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &service{
		app:    app,
		cache:  store,
		writer: writer,
		pool:   pool,
		logger: logger,
	}, nil
}

// close 终止所有下载单元，并在 ctx 允许的时间内等待后台缓存写入完成。
func (s *service) close(ctx context.Context) {
	s.pool.Close()
	if err := s.writer.Wait(ctx); err != nil {
		s.logger.WithField("action", "shutdown").WithError(err).Warn("cache_writes_abandoned")
	}
}
