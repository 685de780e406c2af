package manager

import (
	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/downloader"
)

// Options 是单次 Fetch 的独立开关。
type Options struct {
	// RetryFailed 忽略黑名单重新下载，失败时也不会加入黑名单。
	RetryFailed bool
	// LowPriority 使下载排在普通请求之后。
	LowPriority bool
	// CacheMemoryOnly 下载结果只写入内存层。
	CacheMemoryOnly bool
	// ProgressiveDownload 以 finished=false 回调部分数据。
	ProgressiveDownload bool
	// RefreshCached 先返回缓存数据（finished=false），再发起条件请求校验；
	// 未变化时不再回调。
	RefreshCached bool
}

// ProgressFunc 与下载层一致：expected<0 表示未知长度。
type ProgressFunc = downloader.ProgressFunc

// CompletedFunc 接收结果与其来源层级。finished=false 表示之后还会有回调。
type CompletedFunc func(data []byte, err error, tier cache.Tier, finished bool)

// Handle 撤销调用方对一次 Fetch 的关注，可重复调用，完成后为 no-op。
type Handle interface {
	Cancel()
}

type noopHandle struct{}

func (noopHandle) Cancel() {}

// TransformPolicy 决定 Delegate.Transform 失败时的处理方式。
type TransformPolicy int

const (
	// TransformFail 返回 TransformError，不写缓存。
	TransformFail TransformPolicy = iota
	// TransformCacheRaw 返回 TransformError，但缓存原始数据。
	TransformCacheRaw
)

// ParseTransformPolicy 将配置字符串转换为 TransformPolicy。
func ParseTransformPolicy(raw string) (TransformPolicy, bool) {
	switch raw {
	case "", "fail":
		return TransformFail, true
	case "cache-raw":
		return TransformCacheRaw, true
	default:
		return TransformFail, false
	}
}
