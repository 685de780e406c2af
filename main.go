package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/downloader"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/manager"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/proxy"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
	"github.com/any-hub/any-fetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["namespaces"] = cfg.Namespaces()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["namespaces"] = cfg.Namespaces()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["max_concurrent_downloads"] = rt.downloader.MaxConcurrentDownloads()
	fields["execution_order"] = rt.downloader.ExecutionOrder().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_FETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_FETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// appRuntime 聚合启动阶段构建的共享组件：一个下载器，以及每个命名空间一个 Manager。
type appRuntime struct {
	downloader *downloader.Downloader
	registry   *server.NamespaceRegistry
	managers   []*manager.Manager
	metrics    *prometheus.Registry
}

// buildRuntime 遵循“下载器 → 每个命名空间的 Store/Manager → 注册表”顺序构建组件。
func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	var (
		reg      *prometheus.Registry
		observer downloader.Observer
		storeMet cache.Metrics
	)
	if cfg.Global.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.NewMetrics(reg)
		observer = m
		storeMet = m
	}

	order, _ := downloader.ParseOrder(cfg.Global.ExecutionOrder)
	dl := downloader.New(downloader.Config{
		MaxConcurrentDownloads: cfg.Global.MaxConcurrentDownloads,
		ExecutionOrder:         order,
		Client:                 downloader.NewHTTPClient(cfg.Global.UpstreamTimeout.DurationValue()),
		Observer:               observer,
		Logger:                 logger,
	})
	dl.SetHeader("User-Agent", "any-fetch/"+version.Version)
	for field, value := range cfg.Global.Headers {
		dl.SetHeader(field, value)
	}

	policy, _ := manager.ParseTransformPolicy(cfg.Global.TransformFailure)

	rt := &appRuntime{downloader: dl, metrics: reg}
	routeList := make([]*server.NamespaceRoute, 0, len(cfg.Caches))
	for _, cacheCfg := range cfg.Caches {
		opts := []cache.Option{cache.WithLogger(logger)}
		if storeMet != nil {
			opts = append(opts, cache.WithMetrics(storeMet))
		}
		store, err := cache.New(cacheCfg.StoreConfig(cfg.Global.StoragePath), opts...)
		if err != nil {
			rt.close(context.Background())
			return nil, fmt.Errorf("namespace %s: %w", cacheCfg.Namespace, err)
		}

		var filter manager.KeyFilter
		if cacheCfg.IgnoreQuery {
			filter = stripQuery
		}
		m, err := manager.New(manager.Config{
			Store:            store,
			Downloader:       dl,
			KeyFilter:        filter,
			DisableBlacklist: cfg.Global.DisableBlacklist,
			TransformPolicy:  policy,
			Logger:           logger,
		})
		if err != nil {
			_ = store.Close()
			rt.close(context.Background())
			return nil, fmt.Errorf("namespace %s: %w", cacheCfg.Namespace, err)
		}
		rt.managers = append(rt.managers, m)
		routeList = append(routeList, &server.NamespaceRoute{Config: cacheCfg, Manager: m})
	}

	registry, err := server.NewNamespaceRegistry(routeList...)
	if err != nil {
		rt.close(context.Background())
		return nil, err
	}
	rt.registry = registry
	if len(rt.managers) > 0 {
		manager.SetDefault(rt.managers[0])
	}
	return rt, nil
}

// close 先关闭所有 Manager（各自关闭 Store），最后关闭共享下载器。
func (rt *appRuntime) close(ctx context.Context) error {
	var errs []error
	for _, m := range rt.managers {
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.downloader.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sweepLoop 周期性清理过期条目并按容量淘汰。
func (rt *appRuntime) sweepLoop(ctx context.Context, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, route := range rt.registry.List() {
				store := route.Manager.Store()
				store.SweepExpired()
				logger.WithFields(logrus.Fields{
					"action":     "sweep",
					"namespace":  route.Name(),
					"disk_bytes": store.TotalDiskSize(),
				}).Debug("cache sweep finished")
			}
		}
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *appRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   rt.registry,
		Fetch:      proxy.NewHandler(logger, 2*cfg.Global.UpstreamTimeout.DurationValue()),
		ListenPort: port,
	})
	if err != nil {
		_ = rt.close(context.Background())
		return err
	}
	routes.RegisterAdminRoutes(app, rt.registry, rt.downloader)
	if rt.metrics != nil {
		routes.RegisterMetricsRoute(app, promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	group.Go(func() error {
		rt.sweepLoop(groupCtx, cfg.Global.SweepInterval.DurationValue(), logger)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务停止")
		err := app.ShutdownWithContext(shutdownCtx)
		return errors.Join(err, rt.close(shutdownCtx))
	})
	return group.Wait()
}

// stripQuery 用作 IgnoreQuery 命名空间的 KeyFilter，去掉查询串与片段。
func stripQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
			return raw[:idx]
		}
		return raw
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}
