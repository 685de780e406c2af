package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/downloader"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/manager"
	"github.com/any-hub/any-fetch/internal/server"
)

// DefaultWaitTimeout 限制单个 /fetch 请求等待 manager 结果的时间。
const DefaultWaitTimeout = 60 * time.Second

var errCancelled = errors.New("fetch cancelled")

// Handler 把 /fetch?url=... 请求转换为 manager.Stream 调用，并把最终结果写回客户端。
// RefreshCached 时先返回缓存内容，后台继续完成刷新。
type Handler struct {
	logger  *logrus.Logger
	timeout time.Duration
}

// NewHandler constructs a fetch handler. timeout <= 0 uses DefaultWaitTimeout.
func NewHandler(logger *logrus.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &Handler{logger: logger, timeout: timeout}
}

var _ server.FetchHandler = (*Handler)(nil)

func (h *Handler) Handle(c fiber.Ctx, route *server.NamespaceRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	target, err := parseTarget(c.Query("url"))
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_url")
	}
	opts := manager.Options{
		RefreshCached:   queryBool(c, "refresh"),
		RetryFailed:     queryBool(c, "retry"),
		CacheMemoryOnly: queryBool(c, "memory_only"),
		LowPriority:     queryBool(c, "low"),
	}

	events, handle := route.Manager.Stream(target, opts)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 通道无终态直接关闭只发生在刷新未变化时，此前已经返回缓存。
				return h.writeError(c, fiber.StatusServiceUnavailable, "cancelled")
			}
			switch ev.Kind {
			case manager.EventProgress:
				continue
			case manager.EventPartial:
				go drain(events)
				return h.respond(c, route, target, requestID, started, ev.Data, ev.Tier, true)
			case manager.EventSuccess:
				if ev.Data == nil {
					h.logResult(route, target, requestID, ev.Tier, started, nil)
					return h.writeError(c, fiber.StatusNotFound, "not_downloaded")
				}
				return h.respond(c, route, target, requestID, started, ev.Data, ev.Tier, false)
			case manager.EventError:
				h.logResult(route, target, requestID, ev.Tier, started, ev.Err)
				return h.renderFailure(c, ev.Err)
			case manager.EventCancelled:
				h.logResult(route, target, requestID, cache.TierNone, started, errCancelled)
				return h.writeError(c, fiber.StatusServiceUnavailable, "cancelled")
			}
		case <-ctx.Done():
			handle.Cancel()
			h.logResult(route, target, requestID, cache.TierNone, started, ctx.Err())
			return h.writeError(c, fiber.StatusServiceUnavailable, "cancelled")
		case <-timer.C:
			handle.Cancel()
			h.logResult(route, target, requestID, cache.TierNone, started, context.DeadlineExceeded)
			return h.writeError(c, fiber.StatusGatewayTimeout, "timeout")
		}
	}
}

func (h *Handler) respond(
	c fiber.Ctx,
	route *server.NamespaceRoute,
	target string,
	requestID string,
	started time.Time,
	data []byte,
	tier cache.Tier,
	refreshing bool,
) error {
	h.logResult(route, target, requestID, tier, started, nil)

	c.Set(fiber.HeaderContentType, http.DetectContentType(data))
	c.Set("X-Any-Fetch-Tier", tier.String())
	if refreshing {
		c.Set("X-Any-Fetch-Refreshing", "true")
	}
	return c.Status(fiber.StatusOK).Send(data)
}

// renderFailure 将 manager/downloader 错误映射为 HTTP 状态码。
func (h *Handler) renderFailure(c fiber.Ctx, err error) error {
	var transportErr *downloader.TransportError
	var transformErr *manager.TransformError
	switch {
	case errors.Is(err, manager.ErrBlacklisted):
		return h.writeError(c, fiber.StatusServiceUnavailable, "blacklisted")
	case errors.As(err, &transformErr):
		return h.writeError(c, fiber.StatusUnprocessableEntity, "transform_failed")
	case errors.Is(err, manager.ErrClosed), errors.Is(err, downloader.ErrClosed):
		return h.writeError(c, fiber.StatusServiceUnavailable, "shutting_down")
	case errors.As(err, &transportErr):
		if transportErr.StatusCode > 0 {
			c.Set("X-Any-Fetch-Upstream-Status", strconv.Itoa(transportErr.StatusCode))
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	default:
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.NamespaceRoute,
	target string,
	requestID string,
	tier cache.Tier,
	started time.Time,
	err error,
) {
	fields := logging.FetchFields(route.Name(), target, route.Manager.CacheKey(target), tier.String())
	fields["action"] = "fetch"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func parseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported scheme")
	}
	if parsed.Host == "" {
		return "", errors.New("host required")
	}
	return parsed.String(), nil
}

func queryBool(c fiber.Ctx, name string) bool {
	value, err := strconv.ParseBool(c.Query(name))
	return err == nil && value
}

// drain 读尽刷新阶段剩余的事件，使后台刷新可以写入缓存。
func drain(events <-chan manager.Event) {
	for range events {
	}
}
