package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/downloader"
	"github.com/any-hub/any-fetch/internal/logging"
)

// Config 描述 Manager 的依赖。Store 与 Downloader 必填，其余可选。
type Config struct {
	Store            *cache.Store
	Downloader       *downloader.Downloader
	Delegate         Delegate
	KeyFilter        KeyFilter
	DisableBlacklist bool
	TransformPolicy  TransformPolicy
	Logger           *logrus.Logger
}

// Manager 协调缓存与下载。failed/flights/lookups 以及所有 waiter 状态都由 mu 保护，
// 回调一律在锁外执行。
type Manager struct {
	store            *cache.Store
	dl               *downloader.Downloader
	delegate         Delegate
	keyFilter        KeyFilter
	disableBlacklist bool
	policy           TransformPolicy
	logger           *logrus.Logger

	mu      sync.Mutex
	closed  bool
	failed  map[string]struct{}
	flights map[string]*flight
	lookups map[*waiter]struct{}
}

// flight 是某个 cache key 正在进行的唯一一次网络请求及其等待者。
type flight struct {
	key         string
	url         string
	opts        Options
	conditional bool
	// cached 是刷新前的缓存副本，200 返回相同内容时按未修改处理
	cached      []byte
	op          *downloader.Operation
	waiters     []*waiter
}

type hooks struct {
	cancelled func()
	silent    func()
}

// waiter 是一次 Fetch 调用，同时作为返回给调用方的 Handle。
type waiter struct {
	m         *Manager
	url       string
	key       string
	opts      Options
	progress  ProgressFunc
	completed CompletedFunc
	hooks     hooks

	// 以下字段由 m.mu 保护
	cancelled    bool
	done         bool
	revalidating bool
	cached       []byte
	flight       *flight
}

// New 构造 Manager。
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("manager: store required")
	}
	if cfg.Downloader == nil {
		return nil, errors.New("manager: downloader required")
	}
	if cfg.Delegate == nil {
		cfg.Delegate = DefaultDelegate{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	return &Manager{
		store:            cfg.Store,
		dl:               cfg.Downloader,
		delegate:         cfg.Delegate,
		keyFilter:        cfg.KeyFilter,
		disableBlacklist: cfg.DisableBlacklist,
		policy:           cfg.TransformPolicy,
		logger:           cfg.Logger,
		failed:           make(map[string]struct{}),
		flights:          make(map[string]*flight),
		lookups:          make(map[*waiter]struct{}),
	}, nil
}

// Store 返回底层缓存。
func (m *Manager) Store() *cache.Store {
	return m.store
}

// CacheKey 返回 url 对应的缓存 key。
func (m *Manager) CacheKey(url string) string {
	if m.keyFilter != nil {
		return m.keyFilter(url)
	}
	return url
}

// Fetch 获取 url 对应的数据：内存命中时同步回调并返回 no-op Handle，
// 否则异步查询磁盘，再按需下载。同一 key 同时只有一个网络请求。
func (m *Manager) Fetch(url string, opts Options, progress ProgressFunc, completed CompletedFunc) Handle {
	return m.fetch(url, opts, progress, completed, hooks{})
}

func (m *Manager) fetch(url string, opts Options, progress ProgressFunc, completed CompletedFunc, h hooks) Handle {
	if completed == nil {
		completed = func([]byte, error, cache.Tier, bool) {}
	}
	if url == "" {
		completed(nil, ErrEmptyURL, cache.TierNone, true)
		return noopHandle{}
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		completed(nil, ErrClosed, cache.TierNone, true)
		return noopHandle{}
	}

	key := m.CacheKey(url)
	if !opts.RefreshCached {
		if data, ok := m.store.FetchFromMemory(key); ok {
			m.entry(url, key, cache.TierMemory).Debug("fetch_cache_hit")
			completed(data, nil, cache.TierMemory, true)
			return noopHandle{}
		}
	}

	w := &waiter{
		m:         m,
		url:       url,
		key:       key,
		opts:      opts,
		progress:  progress,
		completed: completed,
		hooks:     h,
	}
	m.mu.Lock()
	m.lookups[w] = struct{}{}
	m.mu.Unlock()

	m.store.FetchFromDisk(key, func(data []byte, tier cache.Tier) {
		m.afterLookup(w, data, tier)
	})
	return w
}

func (m *Manager) afterLookup(w *waiter, data []byte, tier cache.Tier) {
	m.mu.Lock()
	if w.cancelled {
		m.mu.Unlock()
		return
	}
	// waiter 留在 lookups 中直到 join 接管，CancelAll 才能覆盖谓词执行期间
	if data != nil && w.opts.RefreshCached {
		w.revalidating = true
		w.cached = data
	} else if data != nil {
		delete(m.lookups, w)
	}
	m.mu.Unlock()

	if data != nil {
		m.entry(w.url, w.key, tier).Debug("fetch_cache_hit")
		if !w.opts.RefreshCached {
			m.deliver(w, data, nil, tier, true)
			return
		}
		if !m.deliver(w, data, nil, tier, false) {
			return
		}
	}

	if !m.delegate.ShouldDownload(w.url) {
		m.mu.Lock()
		delete(m.lookups, w)
		m.mu.Unlock()
		m.entry(w.url, w.key, tier).Debug("fetch_rejected")
		if data != nil {
			m.deliver(w, data, nil, tier, true)
		} else {
			m.deliver(w, nil, nil, cache.TierNone, true)
		}
		return
	}
	m.join(w)
}

// join 将 waiter 挂到已有 flight 上，或提交新的下载。
func (m *Manager) join(w *waiter) {
	m.mu.Lock()
	if w.cancelled {
		m.mu.Unlock()
		return
	}
	delete(m.lookups, w)
	if m.closed {
		m.mu.Unlock()
		m.deliver(w, nil, ErrClosed, cache.TierNone, true)
		return
	}
	if !m.disableBlacklist && !w.opts.RetryFailed {
		if _, failed := m.failed[w.url]; failed {
			m.mu.Unlock()
			m.entry(w.url, w.key, cache.TierNone).Debug("fetch_blacklisted")
			m.deliver(w, nil, ErrBlacklisted, cache.TierNone, true)
			return
		}
	}
	if f, ok := m.flights[w.key]; ok {
		f.waiters = append(f.waiters, w)
		w.flight = f
		if f.cached == nil {
			f.cached = w.cached
		}
		m.mu.Unlock()
		return
	}

	f := &flight{
		key:         w.key,
		url:         w.url,
		opts:        w.opts,
		conditional: w.revalidating,
		cached:      w.cached,
		waiters:     []*waiter{w},
	}
	w.flight = f
	m.flights[w.key] = f
	// 下载层总是逐段回调，由 waiter 自己的 ProgressiveDownload 决定是否转发
	f.op = m.dl.Submit(downloader.Request{
		URL: w.url,
		Options: downloader.Options{
			LowPriority:          w.opts.LowPriority,
			ProgressiveDownload:  true,
			UseExternalCache:     f.conditional,
			IgnoreCachedResponse: f.conditional,
		},
		Progress: func(received, expected int64) {
			m.flightProgress(f, received, expected)
		},
		Completed: func(data []byte, err error, finished bool) {
			m.flightCompleted(f, data, err, finished)
		},
		Cancelled: func() {
			m.flightCancelled(f)
		},
	})
	m.mu.Unlock()
	m.entry(w.url, w.key, cache.TierNone).Debug("fetch_download_submitted")
}

// deliver 在 waiter 仍然有效时回调，返回是否已回调。
func (m *Manager) deliver(w *waiter, data []byte, err error, tier cache.Tier, finished bool) bool {
	m.mu.Lock()
	if w.cancelled || w.done {
		m.mu.Unlock()
		return false
	}
	if finished {
		w.done = true
	}
	m.mu.Unlock()
	w.completed(data, err, tier, finished)
	return true
}

func (m *Manager) flightProgress(f *flight, received, expected int64) {
	m.mu.Lock()
	var targets []ProgressFunc
	for _, w := range f.waiters {
		if w.progress != nil {
			targets = append(targets, w.progress)
		}
	}
	m.mu.Unlock()
	for _, fn := range targets {
		fn(received, expected)
	}
}

func (m *Manager) flightCompleted(f *flight, data []byte, err error, finished bool) {
	if !finished {
		m.mu.Lock()
		var targets []CompletedFunc
		for _, w := range f.waiters {
			if w.opts.ProgressiveDownload {
				targets = append(targets, w.completed)
			}
		}
		m.mu.Unlock()
		for _, fn := range targets {
			fn(data, nil, cache.TierNone, false)
		}
		return
	}

	if err == nil && data != nil {
		data, err = m.process(f, data)
	}
	// 远端未提供校验信息（或重启后校验信息丢失）时以内容比较判断是否变化
	if err == nil && data != nil && f.cached != nil && bytes.Equal(data, f.cached) {
		data = nil
	}

	m.mu.Lock()
	if m.flights[f.key] == f {
		delete(m.flights, f.key)
	}
	waiters := f.waiters
	f.waiters = nil
	for _, w := range waiters {
		w.done = true
	}
	if err != nil {
		if m.shouldBlacklist(f, err) {
			m.failed[f.url] = struct{}{}
		}
	} else {
		delete(m.failed, f.url)
	}
	m.mu.Unlock()

	entry := m.entry(f.url, f.key, cache.TierNone).WithField("waiters", len(waiters))
	switch {
	case err != nil:
		entry.WithError(err).Warn("fetch_failed")
	case data == nil:
		entry.Debug("fetch_not_modified")
	default:
		entry.WithField("bytes", len(data)).Debug("fetch_complete")
	}

	for _, w := range waiters {
		switch {
		case err != nil:
			w.completed(nil, err, cache.TierNone, true)
		case data == nil:
			m.notModified(w)
		default:
			w.completed(data, nil, cache.TierNone, true)
		}
	}
}

// notModified 处理 304：已拿到缓存数据的 waiter 静默结束，
// 中途加入的普通 waiter 从缓存取数据。
func (m *Manager) notModified(w *waiter) {
	if w.revalidating {
		if w.hooks.silent != nil {
			w.hooks.silent()
		}
		return
	}
	m.store.FetchFromDisk(w.key, func(data []byte, tier cache.Tier) {
		w.completed(data, nil, tier, true)
	})
}

// process 执行 Transform 并写入缓存。
func (m *Manager) process(f *flight, raw []byte) ([]byte, error) {
	out, err := m.delegate.Transform(raw, f.url)
	if err == nil && len(out) == 0 {
		err = ErrEmptyData
	}
	toDisk := !f.opts.CacheMemoryOnly
	if err != nil {
		if m.policy == TransformCacheRaw {
			m.store.StoreBytes(f.key, raw, toDisk)
		}
		return nil, &TransformError{URL: f.url, Err: err}
	}
	m.store.StoreBytes(f.key, out, toDisk)
	return out, nil
}

func (m *Manager) shouldBlacklist(f *flight, err error) bool {
	if m.disableBlacklist || f.opts.RetryFailed {
		return false
	}
	var transformErr *TransformError
	if errors.As(err, &transformErr) || errors.Is(err, downloader.ErrClosed) {
		return false
	}
	return true
}

func (m *Manager) flightCancelled(f *flight) {
	m.mu.Lock()
	if m.flights[f.key] == f {
		delete(m.flights, f.key)
	}
	waiters := f.waiters
	f.waiters = nil
	for _, w := range waiters {
		w.cancelled = true
	}
	m.mu.Unlock()

	for _, w := range waiters {
		if w.hooks.cancelled != nil {
			w.hooks.cancelled()
		}
	}
}

// Cancel 只撤销本次调用；最后一个等待者撤销时取消底层下载。
func (w *waiter) Cancel() {
	m := w.m
	m.mu.Lock()
	if w.cancelled || w.done {
		m.mu.Unlock()
		return
	}
	w.cancelled = true
	delete(m.lookups, w)

	var op *downloader.Operation
	if f := w.flight; f != nil {
		f.waiters = removeWaiter(f.waiters, w)
		if len(f.waiters) == 0 {
			if m.flights[f.key] == f {
				delete(m.flights, f.key)
			}
			op = f.op
		}
	}
	m.mu.Unlock()

	if op != nil {
		op.Cancel()
	}
	if w.hooks.cancelled != nil {
		w.hooks.cancelled()
	}
}

// CancelAll 取消所有进行中的下载与磁盘查询，并清空 InFlight 表。
func (m *Manager) CancelAll() {
	m.mu.Lock()
	flights := m.flights
	lookups := m.lookups
	m.flights = make(map[string]*flight)
	m.lookups = make(map[*waiter]struct{})

	var cancelled []*waiter
	for _, f := range flights {
		for _, w := range f.waiters {
			w.cancelled = true
			cancelled = append(cancelled, w)
		}
		f.waiters = nil
	}
	for w := range lookups {
		w.cancelled = true
		cancelled = append(cancelled, w)
	}
	m.mu.Unlock()

	for _, f := range flights {
		f.op.Cancel()
	}
	for _, w := range cancelled {
		if w.hooks.cancelled != nil {
			w.hooks.cancelled()
		}
	}
	if len(flights) > 0 {
		m.logger.WithFields(logrus.Fields{
			"action":    "cancel_all",
			"namespace": m.store.Namespace(),
			"flights":   len(flights),
		}).Info("fetch_cancel_all")
	}
}

// IsRunning 当且仅当存在进行中的下载时为 true。
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flights) > 0
}

// InFlight 返回进行中的下载数。
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flights)
}

func (m *Manager) IsBlacklisted(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[url]
	return ok
}

// Blacklist 返回排序后的黑名单快照。
func (m *Manager) Blacklist() []string {
	m.mu.Lock()
	urls := make([]string, 0, len(m.failed))
	for url := range m.failed {
		urls = append(urls, url)
	}
	m.mu.Unlock()
	sort.Strings(urls)
	return urls
}

func (m *Manager) ClearBlacklist() {
	m.mu.Lock()
	m.failed = make(map[string]struct{})
	m.mu.Unlock()
}

// Shutdown 拒绝新请求，取消全部工作并关闭 Store。
// 共享的 Downloader 由其所有者关闭。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()

	done := make(chan error, 1)
	go func() {
		done <- m.store.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) entry(url, key string, tier cache.Tier) *logrus.Entry {
	return m.logger.WithFields(logging.FetchFields(m.store.Namespace(), url, key, tier.String()))
}

func removeWaiter(waiters []*waiter, target *waiter) []*waiter {
	for i, w := range waiters {
		if w == target {
			return append(waiters[:i], waiters[i+1:]...)
		}
	}
	return waiters
}
