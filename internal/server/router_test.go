package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

func TestRouterDispatchesMatchedPath(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "http://cdn.local/gh/user/repo/logo.png?v=1&raw=false", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	last := app.recorder.last
	if last == nil {
		t.Fatalf("proxy handler not invoked")
	}
	if last.Rule.Config.Prefix != "/gh" {
		t.Fatalf("unexpected rule %s", last.Rule.Config.Prefix)
	}
	if last.TargetURL != "https://raw.example.com/user/repo/logo.png?v=1" {
		t.Fatalf("unexpected target %s", last.TargetURL)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenNoRuleMatches(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://cdn.local/unknown/a.png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Not Found" {
		t.Fatalf("unexpected body %q", body)
	}
	if app.recorder.last != nil {
		t.Fatalf("proxy handler should not run for unmatched path")
	}
}

func TestRouterReservedRoutesWin(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://cdn.local/list", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected reserved route, got %d", resp.StatusCode)
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{
		Proxies: []config.ProxyRule{
			{Prefix: "/gh", Target: "https://raw.example.com/"},
		},
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy:    recorder,
		Reserved: func(app *fiber.App) {
			app.Get("/list", func(c fiber.Ctx) error { return c.SendString("ok") })
		},
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	last *DispatchResult
}

func (p *proxyRecorder) Handle(c fiber.Ctx, result *DispatchResult) error {
	p.last = result
	return c.SendStatus(fiber.StatusNoContent)
}
