package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/any-fetch/internal/cache"
)

const (
	// DefaultNamespace 是未配置 [[Cache]] 时使用的命名空间。
	DefaultNamespace = "default"

	defaultMaxConcurrentDownloads = 6
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectCacheLevelStorage(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if len(cfg.Caches) == 0 {
		cfg.Caches = []CacheConfig{{Namespace: DefaultNamespace}}
	}
	for i := range cfg.Caches {
		applyCacheDefaults(&cfg.Caches[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxConcurrentDownloads", defaultMaxConcurrentDownloads)
	v.SetDefault("ExecutionOrder", "fifo")
	v.SetDefault("TransformFailure", "fail")
	v.SetDefault("SweepInterval", "1h")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxConcurrentDownloads == 0 {
		g.MaxConcurrentDownloads = defaultMaxConcurrentDownloads
	}
	g.ExecutionOrder = strings.ToLower(strings.TrimSpace(g.ExecutionOrder))
	g.TransformFailure = strings.ToLower(strings.TrimSpace(g.TransformFailure))
}

func applyCacheDefaults(c *CacheConfig) {
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.MaxAge.DurationValue() == 0 {
		c.MaxAge = Duration(cache.DefaultMaxAge)
	}
	if c.TargetRatio == 0 {
		c.TargetRatio = cache.DefaultTargetRatio
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = cache.BackendFS
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectCacheLevelStorage 拒绝在 [[Cache]] 中单独设置存储目录。
func rejectCacheLevelStorage(v *viper.Viper) error {
	raw := v.Get("Cache")
	entries, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "StoragePath") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			for k, value := range m {
				if strings.EqualFold(k, "Namespace") {
					if s, ok := value.(string); ok && s != "" {
						name = s
					}
				}
			}
			return newFieldError(cacheField(name, "StoragePath"), "不支持按命名空间设置，请使用全局 StoragePath")
		}
	}

	return nil
}
