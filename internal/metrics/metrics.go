// Package metrics 将下载与缓存活动导出为 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/downloader"
)

// Metrics 同时实现 downloader.Observer 与 cache.Metrics，指标统一使用 anyfetch_ 前缀。
// nil *Metrics 可直接使用，所有方法均为空操作。
type Metrics struct {
	DownloadsStarted  prometheus.Counter
	DownloadsTotal    *prometheus.CounterVec // 按终态统计
	DownloadsInFlight prometheus.Gauge
	DownloadDuration  *prometheus.HistogramVec

	// 磁盘查询按命中层级统计，磁盘大小为最近一次清理后的值
	CacheLookups   *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheDiskBytes *prometheus.GaugeVec
}

var (
	_ downloader.Observer = (*Metrics)(nil)
	_ cache.Metrics       = (*Metrics)(nil)
)

// NewMetrics 创建指标并注册到 reg，重复注册会 panic，只应在启动阶段调用。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DownloadsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anyfetch_downloads_started_total",
				Help: "Total downloads admitted for execution",
			},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyfetch_downloads_total",
				Help: "Total finished downloads by final state",
			},
			[]string{"state"}, // completed / failed / cancelled
		),
		DownloadsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "anyfetch_downloads_in_flight",
				Help: "Current number of executing downloads",
			},
		),
		DownloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anyfetch_download_duration_seconds",
				Help:    "Download execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyfetch_cache_lookups_total",
				Help: "Total cache lookups by namespace and tier",
			},
			[]string{"namespace", "tier"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anyfetch_cache_evictions_total",
				Help: "Total disk entries removed by expiry or size sweeps",
			},
			[]string{"namespace"},
		),
		CacheDiskBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anyfetch_cache_disk_bytes",
				Help: "Disk tier size in bytes after the last sweep",
			},
			[]string{"namespace"},
		),
	}

	reg.MustRegister(
		m.DownloadsStarted,
		m.DownloadsTotal,
		m.DownloadsInFlight,
		m.DownloadDuration,
		m.CacheLookups,
		m.CacheEvictions,
		m.CacheDiskBytes,
	)

	return m
}

// DownloadStarted 在操作进入 Executing 时调用。
func (m *Metrics) DownloadStarted(downloader.Info) {
	if m == nil {
		return
	}
	m.DownloadsStarted.Inc()
	m.DownloadsInFlight.Inc()
}

// DownloadStopped 在操作到达终态时调用。
func (m *Metrics) DownloadStopped(_ downloader.Info, state downloader.State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Dec()
	m.DownloadsTotal.WithLabelValues(state.String()).Inc()
	m.DownloadDuration.WithLabelValues(state.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLookup(namespace string, tier cache.Tier) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(namespace, tier.String()).Inc()
}

func (m *Metrics) ObserveEviction(namespace string, count int) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(namespace).Add(float64(count))
}

func (m *Metrics) ObserveDiskSize(namespace string, bytes int64) {
	if m == nil {
		return
	}
	m.CacheDiskBytes.WithLabelValues(namespace).Set(float64(bytes))
}
