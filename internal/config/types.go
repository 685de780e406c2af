package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-fetch/internal/cache"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有缓存命名空间共享同一个下载器。
type GlobalConfig struct {
	ListenPort             int               `mapstructure:"ListenPort"`
	LogLevel               string            `mapstructure:"LogLevel"`
	LogFilePath            string            `mapstructure:"LogFilePath"`
	LogMaxSize             int               `mapstructure:"LogMaxSize"`
	LogMaxBackups          int               `mapstructure:"LogMaxBackups"`
	LogCompress            bool              `mapstructure:"LogCompress"`
	StoragePath            string            `mapstructure:"StoragePath"`
	MetricsEnabled         bool              `mapstructure:"MetricsEnabled"`
	UpstreamTimeout        Duration          `mapstructure:"UpstreamTimeout"`
	MaxConcurrentDownloads int               `mapstructure:"MaxConcurrentDownloads"`
	ExecutionOrder         string            `mapstructure:"ExecutionOrder"`
	DisableBlacklist       bool              `mapstructure:"DisableBlacklist"`
	TransformFailure       string            `mapstructure:"TransformFailure"`
	SweepInterval          Duration          `mapstructure:"SweepInterval"`
	Headers                map[string]string `mapstructure:"Headers"`
}

// CacheConfig 描述单个缓存命名空间。
type CacheConfig struct {
	Namespace     string   `mapstructure:"Namespace"`
	MaxAge        Duration `mapstructure:"MaxAge"`
	MaxSize       int64    `mapstructure:"MaxSize"`
	TargetRatio   float64  `mapstructure:"TargetRatio"`
	MaxMemorySize int64    `mapstructure:"MaxMemorySize"`
	Backend       string   `mapstructure:"Backend"`
	IgnoreQuery   bool     `mapstructure:"IgnoreQuery"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Caches []CacheConfig `mapstructure:"Cache"`
}

// StoreConfig 将命名空间配置转换为 cache.Config，磁盘位于 StoragePath 之下。
func (c CacheConfig) StoreConfig(storagePath string) cache.Config {
	return cache.Config{
		Namespace:     c.Namespace,
		BasePath:      storagePath,
		MaxAge:        c.MaxAge.DurationValue(),
		MaxSize:       c.MaxSize,
		TargetRatio:   c.TargetRatio,
		MaxMemorySize: c.MaxMemorySize,
		Backend:       c.Backend,
	}
}

// Namespaces 返回所有命名空间名称，供启动日志使用。
func (c *Config) Namespaces() []string {
	names := make([]string, len(c.Caches))
	for i, entry := range c.Caches {
		names[i] = entry.Namespace
	}
	return names
}
