package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FetchHandler describes the component that serves /fetch for a resolved
// namespace. It allows injecting fake handlers during tests.
type FetchHandler interface {
	Handle(fiber.Ctx, *NamespaceRoute) error
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(fiber.Ctx, *NamespaceRoute) error

// Handle makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Handle(c fiber.Ctx, route *NamespaceRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *NamespaceRegistry
	Fetch      FetchHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_anyfetch_route"
	contextKeyRequestID = "_anyfetch_request_id"
)

// NewApp builds a Fiber application with request ID middleware, namespace
// resolution for /fetch and structured error handling. Diagnostics routes
// under /-/ are registered separately (see package routes).
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("namespace registry is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.Get("/fetch", func(c fiber.Ctx) error {
		route, _ := getRouteFromContext(c)
		if route == nil {
			return renderNamespaceUnmapped(c, opts.Logger, c.Query("ns"))
		}
		return opts.Fetch.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 ns 查询参数查找 NamespaceRoute。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		name := strings.TrimSpace(c.Query("ns"))
		route, ok := opts.Registry.Lookup(name)
		if !ok {
			return renderNamespaceUnmapped(c, opts.Logger, name)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderNamespaceUnmapped(c fiber.Ctx, logger *logrus.Logger, namespace string) error {
	logger.WithFields(logrus.Fields{
		"action":    "namespace_lookup",
		"namespace": namespace,
	}).Warn("namespace unmapped")

	if namespace != "" {
		c.Set("X-Any-Fetch-Namespace", namespace)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "namespace_unmapped",
	})
}

func getRouteFromContext(c fiber.Ctx) (*NamespaceRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*NamespaceRoute); ok {
			return route, true
		}
	}
	return nil, false
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
