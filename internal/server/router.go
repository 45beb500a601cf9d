package server

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that resolves a requested path into a
// cached or freshly fetched resource. It allows injecting fake handlers during
// tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Proxy  ProxyHandler
	// Metrics, when non-nil, is mounted at /metrics on the main listener.
	Metrics http.Handler
}

const (
	contextKeyRequestID = "_tibiastatic_request_id"

	// HealthcheckPath 始终返回 200，不经过缓存逻辑。
	HealthcheckPath = "/healthcheck"
	// MetricsPath 暴露 Prometheus 文本格式指标。
	MetricsPath = "/metrics"
)

// NewApp builds the Fiber application serving the cache: health probe,
// optional metrics route and the catch-all resource route.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := newFiberApp()
	app.Use(requestIDMiddleware())

	app.Get(HealthcheckPath, healthcheck)
	if opts.Metrics != nil {
		app.Get(MetricsPath, adaptor.HTTPHandler(opts.Metrics))
	}
	app.Get("/*", func(c fiber.Ctx) error {
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// NewMetricsApp builds the dedicated metrics listener used when MetricsPort is set.
func NewMetricsApp(logger *logrus.Logger, metrics http.Handler) (*fiber.App, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics handler is required")
	}

	app := newFiberApp()
	app.Get(HealthcheckPath, healthcheck)
	app.Get(MetricsPath, adaptor.HTTPHandler(metrics))
	return app, nil
}

func newFiberApp() *fiber.App {
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		UnescapePath:  true,
	})
	app.Use(recover.New())
	return app
}

func healthcheck(c fiber.Ctx) error {
	return c.SendStatus(fiber.StatusOK)
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与 X-Request-ID 响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
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
