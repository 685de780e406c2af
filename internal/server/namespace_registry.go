package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/manager"
)

// NamespaceRoute 将命名空间配置与其 Manager 聚合在一起，供 fetch/管理接口直接复用。
type NamespaceRoute struct {
	// Config 是用户在 config.toml 中声明的 [[Cache]] 字段副本。
	Config config.CacheConfig
	// Manager 负责该命名空间的缓存查询与下载。
	Manager *manager.Manager
}

// Name 返回命名空间名称。
func (r *NamespaceRoute) Name() string {
	return r.Config.Namespace
}

// NamespaceRegistry 提供命名空间到 NamespaceRoute 的查询能力，第一个注册的命名空间为默认值。
type NamespaceRegistry struct {
	routes  map[string]*NamespaceRoute
	ordered []*NamespaceRoute
}

// NewNamespaceRegistry 根据已构建的路由创建注册表。调用方应在启动阶段创建一次并复用。
func NewNamespaceRegistry(routes ...*NamespaceRoute) (*NamespaceRegistry, error) {
	registry := &NamespaceRegistry{
		routes: make(map[string]*NamespaceRoute, len(routes)),
	}

	for _, route := range routes {
		if route == nil || route.Manager == nil {
			return nil, errors.New("namespace route requires a manager")
		}
		name := normalizeNamespace(route.Config.Namespace)
		if name == "" {
			return nil, errors.New("namespace name is required")
		}
		if _, exists := registry.routes[name]; exists {
			return nil, fmt.Errorf("duplicate namespace detected: %s", name)
		}
		registry.routes[name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据名称查找命名空间，空名称返回默认命名空间。
func (r *NamespaceRegistry) Lookup(name string) (*NamespaceRoute, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeNamespace(name)
	if normalized == "" {
		if len(r.ordered) == 0 {
			return nil, false
		}
		return r.ordered[0], true
	}
	route, ok := r.routes[normalized]
	return route, ok
}

// List 返回按配置顺序排列的命名空间，用于 /-/status 输出与批量操作。
func (r *NamespaceRegistry) List() []*NamespaceRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]*NamespaceRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

func normalizeNamespace(raw string) string {
	return strings.TrimSpace(raw)
}
