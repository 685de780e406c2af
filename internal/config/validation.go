package config

import (
	"errors"
	"fmt"
	"net/textproto"
	"regexp"

	"github.com/any-hub/any-fetch/internal/cache"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var executionOrders = map[string]struct{}{
	"":     {},
	"fifo": {},
	"lifo": {},
}

var transformPolicies = map[string]struct{}{
	"":          {},
	"fail":      {},
	"cache-raw": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxConcurrentDownloads <= 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "必须大于 0")
	}
	if _, ok := executionOrders[g.ExecutionOrder]; !ok {
		return newFieldError("Global.ExecutionOrder", "仅支持 fifo/lifo")
	}
	if _, ok := transformPolicies[g.TransformFailure]; !ok {
		return newFieldError("Global.TransformFailure", "仅支持 fail/cache-raw")
	}
	if g.SweepInterval.DurationValue() < 0 {
		return newFieldError("Global.SweepInterval", "不能为负数")
	}
	for name := range g.Headers {
		if !validHeaderName(name) {
			return newFieldError(fmt.Sprintf("Global.Headers.%s", name), "非法的 Header 名称")
		}
	}

	if len(c.Caches) == 0 {
		return errors.New("至少需要配置一个 Cache")
	}

	seen := map[string]struct{}{}
	for i := range c.Caches {
		entry := &c.Caches[i]
		if entry.Namespace == "" {
			return newFieldError("Cache[].Namespace", "不能为空")
		}
		if !namespacePattern.MatchString(entry.Namespace) {
			return newFieldError(cacheField(entry.Namespace, "Namespace"), "仅允许字母、数字、.、_、-")
		}
		if _, exists := seen[entry.Namespace]; exists {
			return newFieldError(cacheField(entry.Namespace, "Namespace"), "重复")
		}
		seen[entry.Namespace] = struct{}{}

		if entry.MaxAge.DurationValue() < 0 {
			return newFieldError(cacheField(entry.Namespace, "MaxAge"), "不能为负数")
		}
		if entry.MaxSize < 0 {
			return newFieldError(cacheField(entry.Namespace, "MaxSize"), "不能为负数")
		}
		if entry.MaxMemorySize < 0 {
			return newFieldError(cacheField(entry.Namespace, "MaxMemorySize"), "不能为负数")
		}
		if entry.TargetRatio <= 0 || entry.TargetRatio > 1 {
			return newFieldError(cacheField(entry.Namespace, "TargetRatio"), "必须在 (0, 1]")
		}
		switch entry.Backend {
		case cache.BackendFS, cache.BackendBadger:
		default:
			return newFieldError(cacheField(entry.Namespace, "Backend"), "仅支持 fs/badger")
		}
	}

	return nil
}

// Cache 按命名空间查找配置。
func (c *Config) Cache(namespace string) (CacheConfig, bool) {
	for _, entry := range c.Caches {
		if entry.Namespace == namespace {
			return entry, true
		}
	}
	return CacheConfig{}, false
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r > 127 || r <= ' ' || r == ':' {
			return false
		}
	}
	return textproto.CanonicalMIMEHeaderKey(name) != ""
}
