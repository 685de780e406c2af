package routes

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/downloader"
	"github.com/any-hub/any-fetch/internal/server"
)

// DownloaderStats 是 /-/status 需要的下载器只读视图。
type DownloaderStats interface {
	PendingCount() int
	RunningCount() int
	MaxConcurrentDownloads() int
	ExecutionOrder() downloader.Order
}

// RegisterAdminRoutes 暴露 /-/status 以及缓存、黑名单的运维接口。
func RegisterAdminRoutes(app *fiber.App, registry *server.NamespaceRegistry, stats DownloaderStats) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"namespaces": encodeNamespaces(registry.List()),
		}
		if stats != nil {
			payload["downloader"] = downloaderPayload{
				Pending:       stats.PendingCount(),
				Running:       stats.RunningCount(),
				MaxConcurrent: stats.MaxConcurrentDownloads(),
				Order:         stats.ExecutionOrder().String(),
			}
		}
		return c.JSON(payload)
	})

	app.Delete("/-/cache/:namespace", func(c fiber.Ctx) error {
		route, ok := lookupRoute(c, registry)
		if !ok {
			return namespaceNotFound(c)
		}
		store := route.Manager.Store()
		store.ClearMemory()
		disk, _ := strconv.ParseBool(c.Query("disk"))
		if disk {
			store.ClearDisk()
		}
		return c.JSON(fiber.Map{"namespace": route.Name(), "memory_cleared": true, "disk_cleared": disk})
	})

	app.Post("/-/cache/:namespace/sweep", func(c fiber.Ctx) error {
		route, ok := lookupRoute(c, registry)
		if !ok {
			return namespaceNotFound(c)
		}
		store := route.Manager.Store()
		store.SweepExpired()
		return c.JSON(fiber.Map{
			"namespace":    route.Name(),
			"disk_entries": store.DiskEntryCount(),
			"disk_bytes":   store.TotalDiskSize(),
		})
	})

	app.Delete("/-/blacklist", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Query("ns"))
		var targets []*server.NamespaceRoute
		if name == "" {
			targets = registry.List()
		} else {
			route, ok := registry.Lookup(name)
			if !ok {
				return namespaceNotFound(c)
			}
			targets = []*server.NamespaceRoute{route}
		}
		cleared := 0
		for _, route := range targets {
			cleared += len(route.Manager.Blacklist())
			route.Manager.ClearBlacklist()
		}
		return c.JSON(fiber.Map{"cleared": cleared})
	})
}

// RegisterMetricsRoute 通过 adaptor 将 promhttp handler 挂载到 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}

type namespacePayload struct {
	Name           string `json:"name"`
	Backend        string `json:"backend"`
	MemoryItems    int    `json:"memory_items"`
	MemoryBytes    int64  `json:"memory_bytes"`
	DiskEntries    int    `json:"disk_entries"`
	DiskBytes      int64  `json:"disk_bytes"`
	InFlight       int    `json:"in_flight"`
	BlacklistCount int    `json:"blacklist_count"`
}

type downloaderPayload struct {
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
	Order         string `json:"execution_order"`
}

func encodeNamespaces(routes []*server.NamespaceRoute) []namespacePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]namespacePayload, 0, len(routes))
	for _, route := range routes {
		store := route.Manager.Store()
		items, used := store.MemoryStats()
		backend := route.Config.Backend
		if backend == "" {
			backend = cache.BackendFS
		}
		result = append(result, namespacePayload{
			Name:           route.Name(),
			Backend:        backend,
			MemoryItems:    items,
			MemoryBytes:    used,
			DiskEntries:    store.DiskEntryCount(),
			DiskBytes:      store.TotalDiskSize(),
			InFlight:       route.Manager.InFlight(),
			BlacklistCount: len(route.Manager.Blacklist()),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func lookupRoute(c fiber.Ctx, registry *server.NamespaceRegistry) (*server.NamespaceRoute, bool) {
	name := strings.TrimSpace(c.Params("namespace"))
	if name == "" {
		return nil, false
	}
	return registry.Lookup(name)
}

func namespaceNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "namespace_unmapped"})
}
