package cache

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const ioQueueSize = 256

// Store 组合内存层与磁盘层。内存层读写同步完成；磁盘写入、删除与清理
// 均在独立的 I/O goroutine 上串行执行，保证同一实例内的写入顺序。
type Store struct {
	namespace   string
	maxSize     int64
	targetRatio float64
	policy      agePolicy
	logger      *logrus.Logger
	metrics     Metrics

	memory *memoryTier
	disk   DiskBackend
	reads  singleflight.Group

	mu       sync.RWMutex
	closed   bool
	pending  map[string]pendingWrite
	// removing 记录正在从磁盘删除的 key，期间读到的数据不得提升到内存层
	removing map[string]int

	// qmu 只保护 ioQueue 的发送与关闭，I/O goroutine 从不持有它。
	qmu     sync.RWMutex
	ioQueue chan func()
	ioDone  chan struct{}
}

type pendingWrite struct {
	data     []byte
	storedAt time.Time
}

// Option 调整 Store 的可选依赖。
type Option func(*Store)

// WithLogger 注入日志实例，默认丢弃日志。
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 注入观测实现。
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithBackend 使用自定义磁盘后端替代 Config.Backend 的选择，主要用于测试。
func WithBackend(b DiskBackend) Option {
	return func(s *Store) {
		s.disk = b
	}
}

// WithClock 替换时钟，用于过期判断与 storedAt。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.policy.now = now
		}
	}
}

// New 根据 Config 构建缓存实例，并启动磁盘 I/O goroutine。
func New(cfg Config, opts ...Option) (*Store, error) {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		return nil, errors.New("namespace required")
	}
	if cfg.MaxAge < 0 || cfg.MaxSize < 0 || cfg.MaxMemorySize < 0 {
		return nil, errors.New("cache limits must not be negative")
	}
	ratio := cfg.TargetRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultTargetRatio
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Store{
		namespace:   namespace,
		maxSize:     cfg.MaxSize,
		targetRatio: ratio,
		policy:      agePolicy{maxAge: cfg.MaxAge, now: time.Now},
		logger:      discard,
		pending:     make(map[string]pendingWrite),
		removing:    make(map[string]int),
		ioQueue:     make(chan func(), ioQueueSize),
		ioDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.memory = newMemoryTier(cfg.MaxMemorySize, s.policy)

	if s.disk == nil {
		backend, err := openBackend(cfg.Backend, cfg.BasePath, namespace)
		if err != nil {
			return nil, err
		}
		s.disk = backend
	}

	go s.runIO()
	return s, nil
}

func openBackend(kind, basePath, namespace string) (DiskBackend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendFS:
		return newFSBackend(basePath, namespace)
	case BackendBadger:
		return newBadgerBackend(basePath, namespace)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", kind)
	}
}

// Namespace 返回实例的命名空间。
func (s *Store) Namespace() string {
	return s.namespace
}

// StoreBytes 同步写入内存层；toDisk 时异步写入磁盘层，失败只记录日志。
func (s *Store) StoreBytes(key string, data []byte, toDisk bool) {
	if key == "" || data == nil {
		return
	}
	storedAt := s.policy.now()
	if evicted := s.memory.set(key, data, storedAt); evicted > 0 {
		s.observeEviction(evicted)
	}
	if !toDisk {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[key] = pendingWrite{data: data, storedAt: storedAt}
	s.mu.Unlock()

	s.enqueue(func() {
		if _, err := s.disk.Write(key, data, storedAt); err != nil {
			s.logDiskError("disk_write_failed", key, err)
		}
		s.mu.Lock()
		if p, ok := s.pending[key]; ok && p.storedAt.Equal(storedAt) {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		s.enforceSizeLocked()
	})
}

// FetchFromMemory 仅查询内存层，未命中或过期均返回 false。
func (s *Store) FetchFromMemory(key string) ([]byte, bool) {
	data, ok := s.memory.get(key)
	if ok {
		s.observeLookup(TierMemory)
	}
	return data, ok
}

// FetchFromDisk 先查内存层（命中时同步回调），否则在独立 goroutine 中读取磁盘，
// 命中后提升到内存层。callback 恰好被调用一次；TierNone 表示完全未命中。
// 回调收到的切片可能被并发读者共享，调用方不得修改。
func (s *Store) FetchFromDisk(key string, callback func(data []byte, tier Tier)) {
	if callback == nil {
		callback = func([]byte, Tier) {}
	}
	if data, ok := s.FetchFromMemory(key); ok {
		callback(data, TierMemory)
		return
	}
	go func() {
		data, tier := s.loadFromDisk(key)
		callback(data, tier)
	}()
}

// FetchFromDiskSync 是 FetchFromDisk 的同步版本，在调用方 goroutine 上读取磁盘。
func (s *Store) FetchFromDiskSync(key string) ([]byte, Tier) {
	if data, ok := s.FetchFromMemory(key); ok {
		return data, TierMemory
	}
	return s.loadFromDisk(key)
}

func (s *Store) loadFromDisk(key string) ([]byte, Tier) {
	if key == "" {
		return nil, TierNone
	}
	value, _, _ := s.reads.Do(key, func() (interface{}, error) {
		return s.readDisk(key), nil
	})
	data, _ := value.([]byte)
	if data == nil {
		s.observeLookup(TierNone)
		return nil, TierNone
	}
	s.observeLookup(TierDisk)
	return data, TierDisk
}

func (s *Store) readDisk(key string) []byte {
	s.mu.RLock()
	p, isPending := s.pending[key]
	closed := s.closed
	removing := s.removing[key] > 0
	s.mu.RUnlock()
	if closed || removing {
		return nil
	}
	if isPending {
		if s.policy.expired(p.storedAt) {
			return nil
		}
		if !s.promote(key, p.data, p.storedAt) {
			return nil
		}
		return p.data
	}

	data, entry, err := s.disk.Read(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logDiskError("disk_read_failed", key, err)
		}
		return nil
	}
	if s.policy.expired(entry.StoredAt) {
		return nil
	}
	if !s.promote(key, data, entry.StoredAt) {
		return nil
	}
	return data
}

// promote 把磁盘数据放回内存层；key 正在删除时放弃并返回 false。
func (s *Store) promote(key string, data []byte, storedAt time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.removing[key] > 0 {
		return false
	}
	if evicted := s.memory.set(key, data, storedAt); evicted > 0 {
		s.observeEviction(evicted)
	}
	return true
}

// Remove 同步删除内存条目；fromDisk 时等待磁盘删除完成。
func (s *Store) Remove(key string, fromDisk bool) {
	if !fromDisk {
		s.memory.remove(key)
		return
	}

	s.mu.Lock()
	s.removing[key]++
	s.mu.Unlock()
	s.memory.remove(key)

	s.runSync(func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		if err := s.disk.Delete(key); err != nil {
			s.logDiskError("disk_remove_failed", key, err)
		}
	})

	s.mu.Lock()
	if s.removing[key]--; s.removing[key] <= 0 {
		delete(s.removing, key)
	}
	s.mu.Unlock()
}

// ClearMemory 清空内存层，也是内存压力信号的处理入口。
func (s *Store) ClearMemory() {
	s.memory.clear()
}

// ClearDisk 同步清空磁盘层，排在其之前的异步写入会先落盘后被清除。
func (s *Store) ClearDisk() {
	s.runSync(func() {
		s.mu.Lock()
		s.pending = make(map[string]pendingWrite)
		s.mu.Unlock()
		if err := s.disk.Clear(); err != nil {
			s.logDiskError("disk_clear_failed", "", err)
		}
	})
}

// SweepExpired 删除过期条目，再按最近访问时间淘汰直到不超过 MaxSize*TargetRatio。
func (s *Store) SweepExpired() {
	s.runSync(func() {
		s.sweepLocked(true)
	})
}

// TotalDiskSize 返回磁盘层正文字节总数。
func (s *Store) TotalDiskSize() int64 {
	var total int64
	s.runSync(func() {
		entries, err := s.disk.List()
		if err != nil {
			s.logDiskError("disk_list_failed", "", err)
			return
		}
		for _, entry := range entries {
			total += entry.SizeBytes
		}
	})
	return total
}

// DiskEntryCount 返回磁盘层条目数。
func (s *Store) DiskEntryCount() int {
	count := 0
	s.runSync(func() {
		entries, err := s.disk.List()
		if err != nil {
			s.logDiskError("disk_list_failed", "", err)
			return
		}
		count = len(entries)
	})
	return count
}

// MemoryStats 返回内存层条目数与字节数。
func (s *Store) MemoryStats() (int, int64) {
	return s.memory.stats()
}

// WaitIdle 阻塞直到此前排队的磁盘操作全部完成。
func (s *Store) WaitIdle() {
	s.runSync(func() {})
}

// Close 等待排队的磁盘操作完成后关闭后端。
func (s *Store) Close() error {
	s.qmu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.qmu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ioQueue)
	s.qmu.Unlock()

	<-s.ioDone
	return s.disk.Close()
}

// enforceSizeLocked 在写入后检查磁盘总量，超过 MaxSize 时触发淘汰（只在 I/O goroutine 调用）。
func (s *Store) enforceSizeLocked() {
	if s.maxSize <= 0 {
		return
	}
	s.sweepLocked(false)
}

func (s *Store) sweepLocked(removeExpired bool) {
	entries, err := s.disk.List()
	if err != nil {
		s.logDiskError("disk_list_failed", "", err)
		return
	}

	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	if !removeExpired && total <= s.maxSize {
		s.observeDiskSize(total)
		return
	}

	policy := s.policy
	if !removeExpired {
		policy.maxAge = 0
	}
	expired, evicted, remaining := planSweep(entries, policy, s.maxSize, s.targetRatio)
	for _, entry := range append(expired, evicted...) {
		if err := s.disk.DeleteID(entry.ID); err != nil {
			s.logDiskError("disk_evict_failed", entry.ID, err)
			remaining += entry.SizeBytes
		}
	}
	if n := len(expired) + len(evicted); n > 0 {
		s.observeEviction(n)
		s.logger.WithFields(logrus.Fields{
			"action":    "disk_sweep",
			"namespace": s.namespace,
			"expired":   len(expired),
			"evicted":   len(evicted),
			"remaining": remaining,
		}).Debug("cache_sweep_complete")
	}
	s.observeDiskSize(remaining)
}

func (s *Store) runIO() {
	defer close(s.ioDone)
	for fn := range s.ioQueue {
		fn()
	}
}

func (s *Store) enqueue(fn func()) bool {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false
	}
	s.ioQueue <- fn
	return true
}

func (s *Store) runSync(fn func()) {
	done := make(chan struct{})
	if !s.enqueue(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

func (s *Store) logDiskError(event, key string, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"action":    "disk_io",
		"namespace": s.namespace,
		"key":       key,
	}).Warn(event)
}

func (s *Store) observeLookup(tier Tier) {
	if s.metrics != nil {
		s.metrics.ObserveLookup(s.namespace, tier)
	}
}

func (s *Store) observeEviction(n int) {
	if s.metrics != nil {
		s.metrics.ObserveEviction(s.namespace, n)
	}
}

func (s *Store) observeDiskSize(bytes int64) {
	if s.metrics != nil {
		s.metrics.ObserveDiskSize(s.namespace, bytes)
	}
}
