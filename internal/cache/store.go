package cache

import (
	"errors"
	"time"
)

// Tier 标识一次命中的来源层级。
type Tier int

const (
	// TierNone 表示缓存未命中，数据来自网络（或没有数据）。
	TierNone Tier = iota
	// TierDisk 表示数据来自磁盘层。
	TierDisk
	// TierMemory 表示数据来自内存层。
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDisk:
		return "disk"
	case TierMemory:
		return "memory"
	default:
		return "none"
	}
}

// 默认一周过期，超限时淘汰到上限的一半。
const (
	DefaultMaxAge      = 7 * 24 * time.Hour
	DefaultTargetRatio = 0.5
)

// Backend 名称，对应配置中的 Backend 字段。
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
)

// Config 描述单个命名空间的缓存参数。
type Config struct {
	// Namespace 作为磁盘路径/键前缀，隔离互不相关的缓存实例。
	Namespace string
	// BasePath 是磁盘层的根目录，实际目录为 BasePath/<Namespace>。
	BasePath string
	// MaxAge 超过该时长的条目视为过期；0 表示永不过期。
	MaxAge time.Duration
	// MaxSize 是磁盘层总字节上限；0 表示不限制。
	MaxSize int64
	// TargetRatio 决定超限后淘汰到 MaxSize*TargetRatio 为止。
	TargetRatio float64
	// MaxMemorySize 是内存层字节预算；0 表示不限制。
	MaxMemorySize int64
	// Backend 选择磁盘实现：fs（默认）或 badger。
	Backend string
}

// DiskEntry 描述磁盘层中的一个条目，ID 为后端内部标识。
type DiskEntry struct {
	ID         string
	SizeBytes  int64
	StoredAt   time.Time
	AccessedAt time.Time
}

// DiskBackend 是磁盘层的 key→blob 存储。所有实现都需要支持按 ID 删除、
// 带大小与时间元数据的枚举，供过期清理与 LRA 淘汰使用。
type DiskBackend interface {
	// Read 返回条目内容并刷新访问时间。不存在时返回 ErrNotFound。
	Read(key string) ([]byte, DiskEntry, error)
	// Write 原子写入条目，storedAt 作为条目年龄的起点。
	Write(key string, data []byte, storedAt time.Time) (DiskEntry, error)
	// Delete 按缓存 key 删除，条目不存在不算错误。
	Delete(key string) error
	// DeleteID 按 List 返回的 ID 删除。
	DeleteID(id string) error
	// List 枚举全部条目的元数据。
	List() ([]DiskEntry, error)
	// Clear 删除命名空间下全部条目。
	Clear() error
	Close() error
}

// Metrics 接收缓存层的观测数据，nil 表示不采集。
type Metrics interface {
	ObserveLookup(namespace string, tier Tier)
	ObserveEviction(namespace string, count int)
	ObserveDiskSize(namespace string, bytes int64)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrStoreClosed 表示 Store 已关闭。
var ErrStoreClosed = errors.New("cache store closed")
