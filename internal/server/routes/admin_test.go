package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/downloader"
	"github.com/any-hub/any-fetch/internal/manager"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
)

func TestStatusReportsNamespacesAndDownloader(t *testing.T) {
	env := newAdminEnv(t)
	env.images.Store().StoreBytes("k", []byte("data"), true)
	env.images.Store().WaitIdle()

	resp := env.do(t, "GET", "/-/status")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Namespaces []namespacePayload `json:"namespaces"`
		Downloader downloaderPayload  `json:"downloader"`
	}
	decode(t, resp, &payload)

	if len(payload.Namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %d", len(payload.Namespaces))
	}
	// 按名称排序：blobs 在前
	if payload.Namespaces[0].Name != "blobs" || payload.Namespaces[1].Name != "images" {
		t.Fatalf("unexpected namespace order: %+v", payload.Namespaces)
	}
	images := payload.Namespaces[1]
	if images.MemoryItems != 1 || images.DiskEntries != 1 || images.DiskBytes != 4 || images.Backend != cache.BackendFS {
		t.Fatalf("unexpected images stats: %+v", images)
	}
	if payload.Downloader.MaxConcurrent != downloader.DefaultMaxConcurrentDownloads || payload.Downloader.Order != "fifo" {
		t.Fatalf("unexpected downloader stats: %+v", payload.Downloader)
	}
}

func TestClearCacheEndpoint(t *testing.T) {
	env := newAdminEnv(t)
	store := env.images.Store()
	store.StoreBytes("k", []byte("data"), true)
	store.WaitIdle()

	resp := env.do(t, "DELETE", "/-/cache/images")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if count, _ := store.MemoryStats(); count != 0 {
		t.Fatalf("memory should be cleared")
	}
	if store.DiskEntryCount() != 1 {
		t.Fatalf("disk should survive without disk=true")
	}

	env.do(t, "DELETE", "/-/cache/images?disk=true")
	if store.DiskEntryCount() != 0 {
		t.Fatalf("disk should be cleared")
	}

	if resp := env.do(t, "DELETE", "/-/cache/missing"); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown namespace, got %d", resp.StatusCode)
	}
}

func TestSweepEndpoint(t *testing.T) {
	env := newAdminEnv(t)
	resp := env.do(t, "POST", "/-/cache/blobs/sweep")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	decode(t, resp, &payload)
	if payload["namespace"] != "blobs" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestClearBlacklistEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)
	env := newAdminEnv(t)

	done := make(chan struct{})
	env.images.Fetch(upstream.URL+"/broken", manager.Options{}, nil, func([]byte, error, cache.Tier, bool) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch did not complete")
	}
	if !env.images.IsBlacklisted(upstream.URL + "/broken") {
		t.Fatalf("failed url should be blacklisted")
	}

	resp := env.do(t, "DELETE", "/-/blacklist?ns=images")
	var payload map[string]any
	decode(t, resp, &payload)
	if payload["cleared"] != float64(1) {
		t.Fatalf("expected one cleared entry, got %+v", payload)
	}
	if env.images.IsBlacklisted(upstream.URL + "/broken") {
		t.Fatalf("blacklist should be empty")
	}
	if resp := env.do(t, "DELETE", "/-/blacklist?ns=missing"); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown namespace, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.DownloadStarted(downloader.Info{ID: "1", URL: "https://example.com"})

	app := fiber.New()
	RegisterMetricsRoute(app, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "anyfetch_downloads_started_total") {
		t.Fatalf("metrics output missing counters: %d %s", resp.StatusCode, string(body))
	}
}

type adminEnv struct {
	app    *fiber.App
	images *manager.Manager
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	dl := downloader.New(downloader.Config{})
	images := newManager(t, dl, "images")
	blobs := newManager(t, dl, "blobs")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dl.Shutdown(ctx)
	})

	registry, err := server.NewNamespaceRegistry(
		&server.NamespaceRoute{Config: config.CacheConfig{Namespace: "images"}, Manager: images},
		&server.NamespaceRoute{Config: config.CacheConfig{Namespace: "blobs"}, Manager: blobs},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app := fiber.New()
	RegisterAdminRoutes(app, registry, dl)
	return &adminEnv{app: app, images: images}
}

func newManager(t *testing.T, dl *downloader.Downloader, namespace string) *manager.Manager {
	t.Helper()
	store, err := cache.New(cache.Config{Namespace: namespace, BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, err := manager.New(manager.Config{Store: store, Downloader: dl})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func (e *adminEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(method, path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
